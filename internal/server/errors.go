package server

import (
	"errors"
	"fmt"
)

var (
	// ErrStopping is returned by Start while a previous Stop is still waiting
	// for the accept loop to finish its in-flight request.
	ErrStopping = errors.New("server is stopping")
	// ErrInvalidConfig wraps configuration problems reported by New.
	ErrInvalidConfig = errors.New("invalid server config")
)

// BindError reports that Start could not listen on the configured address.
// The server stays stopped.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
