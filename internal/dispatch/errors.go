package dispatch

import (
	"errors"
	"fmt"

	"github.com/abdulrahman305/jetbrains/internal/jsonrpc"
)

var (
	// ErrNoHandler matches every NoHandlerError.
	ErrNoHandler = errors.New("no handler registered")

	// ErrAffinityClosed fails tasks submitted to a closed Affinity.
	ErrAffinityClosed = errors.New("affinity executor closed")
)

// NoHandlerError is the failure of a request for a method nobody registered.
type NoHandlerError struct {
	Method string
}

func (e *NoHandlerError) Error() string {
	return "No callback registered for " + e.Method
}

// Is makes errors.Is(err, ErrNoHandler) hold.
func (e *NoHandlerError) Is(target error) bool {
	return target == ErrNoHandler
}

// RPCError maps the miss to a method-not-found reply.
func (e *NoHandlerError) RPCError() *jsonrpc.Error {
	return jsonrpc.NewMethodNotFoundError(e.Error())
}

// PanicError is a handler panic recovered at the dispatch boundary.
type PanicError struct {
	Method string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("handler panic: %v", e.Value)
	}
	return fmt.Sprintf("%s: handler panic: %v", e.Method, e.Value)
}

// Unwrap exposes a panic value that was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
