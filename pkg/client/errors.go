package client

import (
	"errors"
	"fmt"
	"net/url"
)

// Common errors returned by the client. A *FetchError unwraps to the
// sentinel of its Kind.
var (
	// ErrRateLimited marks a response whose status is in the retry set.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransport marks a failed round trip or an unusable body.
	ErrTransport = errors.New("transport error")

	// ErrHTTPStatus marks a non-2xx status outside the retry set.
	ErrHTTPStatus = errors.New("http error")

	// ErrRetryExhausted is returned when all retry rounds are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidJSON marks a 2xx response whose body is not JSON.
	ErrInvalidJSON = errors.New("response body is not valid JSON")
)

// Kind classifies the outcome of a fetch.
type Kind int

const (
	// KindSuccess is a 2xx response with a JSON body.
	KindSuccess Kind = iota

	// KindRateLimited is a status in the policy's retry set (429 by default).
	KindRateLimited

	// KindTransportError is a network failure or unreadable body.
	KindTransportError

	// KindHTTPError is any other non-2xx status.
	KindHTTPError

	// KindExhaustedRetries means every retry round failed.
	KindExhaustedRetries
)

// String implements fmt.Stringer and doubles as the metrics label.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindTransportError:
		return "transport_error"
	case KindHTTPError:
		return "http_error"
	case KindExhaustedRetries:
		return "exhausted_retries"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindTransportError:
		return ErrTransport
	case KindHTTPError:
		return ErrHTTPStatus
	case KindExhaustedRetries:
		return ErrRetryExhausted
	default:
		return nil
	}
}

// FetchError is the error of a failed fetch with its classification.
type FetchError struct {
	Kind     Kind
	Status   int
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Endpoint, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause to
// errors.Is and errors.As.
func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// FetchOutcome is the result of fetching one endpoint.
type FetchOutcome struct {
	// Endpoint is the endpoint name ("list" for bill listing calls).
	Endpoint string

	Kind Kind

	// Status is the HTTP status of the deciding response, 0 if none.
	Status int

	// Payload is the JSON body on success.
	Payload []byte

	// Err is a *FetchError for every non-success outcome.
	Err error

	// Attempts counts the requests issued for this outcome.
	Attempts int
}

// OK reports whether the outcome is a success.
func (o FetchOutcome) OK() bool {
	return o.Kind == KindSuccess
}

func failed(endpoint string, kind Kind, status int, cause error) FetchOutcome {
	return FetchOutcome{
		Endpoint: endpoint,
		Kind:     kind,
		Status:   status,
		Err:      &FetchError{Kind: kind, Status: status, Endpoint: endpoint, Err: cause},
	}
}

// redact strips the request URL, which carries the credential, from
// net/http errors.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s request: %w", ue.Op, ue.Err)
	}
	return err
}
