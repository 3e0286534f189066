// Package router keeps the ordered endpoint table consulted by the server for
// every non-preflight request.
//
// Matching is exact on both path and method, and the first endpoint added for
// a given pair wins. Later duplicates are stored but never reached.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// Method is an HTTP method an endpoint can be bound to.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodDelete Method = http.MethodDelete
)

// Valid reports whether m is one of the bindable methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidMethod = errors.New("unsupported endpoint method")
	ErrNilHandler    = errors.New("endpoint handler is nil")
	ErrEmptyPath     = errors.New("endpoint path is empty")
)

// Request is the read-only view of an inbound request handed to handlers.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
	RequestID  string
}

// Handler produces the value serialized as the response body. A returned
// error becomes a 500 response with an empty body.
type Handler func(req *Request) (any, error)

// Reply lets a handler choose the response status. Body is serialized as the
// response payload; a nil Body produces an empty response.
type Reply struct {
	Status int
	Body   any
}

// Raw is written as the response body verbatim, with ContentType, instead of
// being serialized to JSON. It may be returned directly or as a Reply body.
type Raw struct {
	ContentType string
	Body        []byte
}

// Endpoint binds a handler to a (path, method) pair.
type Endpoint struct {
	Path    string
	Method  Method
	Handler Handler
}

// Table is an append-only, ordered list of endpoints. It is safe for
// concurrent use.
type Table struct {
	mu        sync.RWMutex
	endpoints []Endpoint
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Add appends an endpoint. Duplicate (path, method) pairs are accepted; the
// returned shadowed flag reports that an earlier endpoint already answers the
// pair, so the new one will never match.
func (t *Table) Add(path string, method Method, handler Handler) (shadowed bool, err error) {
	if path == "" {
		return false, ErrEmptyPath
	}
	if !method.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidMethod, string(method))
	}
	if handler == nil {
		return false, ErrNilHandler
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, shadowed = t.match(path, string(method))
	t.endpoints = append(t.endpoints, Endpoint{Path: path, Method: method, Handler: handler})
	return shadowed, nil
}

// Match returns the first endpoint whose path and method equal the request's.
// The boolean is false on a routing miss.
func (t *Table) Match(path, method string) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.match(path, method)
}

func (t *Table) match(path, method string) (Endpoint, bool) {
	for _, endpoint := range t.endpoints {
		if endpoint.Path == path && string(endpoint.Method) == method {
			return endpoint, true
		}
	}
	return Endpoint{}, false
}

// Endpoints returns a copy of the table in registration order.
func (t *Table) Endpoints() []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Endpoint, len(t.endpoints))
	copy(out, t.endpoints)
	return out
}

// Len reports the number of registered endpoints, shadowed ones included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.endpoints)
}
