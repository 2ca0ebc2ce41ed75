package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks malformed or missing caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotConnected is returned when an operation needs the Ready phase.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("connection controller closed")

	errNoGateway = errors.New("no active gateway")
)

// GatewayError wraps a failed call into the messaging gateway.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
