package masumi

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without contacting the upstream while its breaker is open.
var ErrCircuitOpen = errors.New("masumi: circuit open")

// NetworkError is a transport failure: the request never produced a response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("Network error during %s request: %v", opLabel(e.Op), e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string // e.g. "500 Internal Server Error"
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s request failed: %s. Response: %s", opLabel(e.Op), e.Status, e.Body)
}

// DecodeError is a 2xx response whose body could not be parsed.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", opLabel(e.Op), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func opLabel(op string) string {
	switch op {
	case OpCreateAssessment:
		return "Risk assessment"
	case OpJobStatus:
		return "Status"
	case OpPurchase:
		return "Purchase"
	case OpAvailability:
		return "Availability"
	default:
		return op
	}
}
