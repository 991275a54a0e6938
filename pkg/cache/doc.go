// Package cache stores single-range bill list results in Redis so that a
// re-run of discovery over an overlapping window skips calls it already
// made.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//
//	p, err := partition.New(fetch, partition.Options{Cache: manager})
//
// Manager implements partition.Cache. A cached range costs the
// partitioner neither a network call nor the inter-call delay.
//
// # Keys
//
// Keys are deterministic: the resource, the UTC range bounds and the
// sorted query parameters that change the result.
//
//	harvest:bill:20200101T000000Z:20200201T000000Z:limit=250
//
// # Metrics
//
//   - harvest_cache_hits_total{layer="redis"} - Cache hits
//   - harvest_cache_misses_total - Cache misses
//   - harvest_cache_written_bytes_total{layer="redis"} - Bytes written
//   - harvest_cache_errors_total{operation} - Cache operation errors
package cache
