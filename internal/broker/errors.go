package broker

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the facade, the catalog and the adapters.
// Callers branch with errors.Is / errors.As; the raw broker message is
// preserved on the wrapper types for diagnostics.
var (
	ErrNotLoaded           = errors.New("instrument catalog not loaded")
	ErrInstrumentNotFound  = errors.New("instrument not found")
	ErrBrokerNotRegistered = errors.New("broker not registered")
	ErrUnauthenticated     = errors.New("broker session not authenticated")
	ErrOrderNotFound       = errors.New("order not found")
)

// RejectionError is a broker-side business rejection (order or cancel),
// distinct from a transport failure.
type RejectionError struct {
	Broker string
	Op     string // "place" or "cancel"
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s rejected: %s", e.Broker, e.Op, e.Detail)
}

// TransportError is a network or HTTP-level failure before the broker could
// evaluate the request.
type TransportError struct {
	Broker string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Broker, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
