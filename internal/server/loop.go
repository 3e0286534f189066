package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"megacity-metro/internal/observability/logging"
	"megacity-metro/internal/router"
	"megacity-metro/internal/serializer"
)

const (
	maxAcceptDelay = time.Second
	routePreflight = "preflight"

	// Unread request body discarded after the response, bounded in size and time.
	maxLingerBytes = 8 << 20
	lingerTimeout  = 2 * time.Second
)

type response struct {
	status      int
	contentType string
	body        []byte
	route       string
}

// acceptLoop serves connections one at a time until the listener is closed.
func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.acceptingOn(ln) {
				s.logger.Debug("accept loop exiting after stop")
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener closed while running", "error", err)
				s.abandon(ln)
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Error("accept connection", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.serveConn(conn)
	}
}

func (s *Server) acceptingOn(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning && s.listener == ln
}

// abandon marks the server stopped after the listener died underneath it.
func (s *Server) abandon(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == ln {
		s.listener = nil
		s.done = nil
		s.state = StateStopped
	}
}

// serveConn reads a single request, answers it and closes the connection.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	remoteAddr := conn.RemoteAddr().String()
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(start.Add(s.readTimeout))
	}

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("read request", "error", err, "remote_addr", remoteAddr)
			_ = s.writeResponse(conn, response{status: http.StatusBadRequest}, "")
		}
		return
	}
	defer req.Body.Close()

	requestID := strings.TrimSpace(req.Header.Get("X-Request-Id"))
	if requestID == "" {
		requestID = s.newRequestID()
	}
	ctx := logging.ContextWithRequestID(context.Background(), requestID)
	ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, s.logger))

	res := s.dispatch(ctx, req, remoteAddr)

	if s.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.writeResponse(conn, res, requestID); err != nil {
		s.logger.Debug("write response", "error", err, "request_id", requestID)
	}

	duration := time.Since(start)
	logging.LogRequest(ctx, s.logger, logging.RequestRecord{
		Method:     req.Method,
		Path:       req.URL.Path,
		Status:     res.status,
		Duration:   duration,
		RemoteAddr: remoteAddr,
	})
	if s.observer != nil {
		s.observer.ObserveRequest(req.Method, res.route, res.status, duration)
	}

	discardBody(conn, req.Body)
}

// discardBody half-closes conn and reads off whatever the client is still
// sending. Closing a socket with unread input resets the connection, and the
// client would lose a 404 or 413 answered before its body was consumed.
func discardBody(conn net.Conn, body io.Reader) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxLingerBytes))
}

// dispatch applies the preflight short-circuit, routes the request and
// translates handler failures into a 500 with no body.
func (s *Server) dispatch(ctx context.Context, req *http.Request, remoteAddr string) response {
	if isPreflight(req) {
		return response{status: http.StatusOK, route: routePreflight}
	}

	endpoint, ok := s.endpoints.Match(req.URL.Path, req.Method)
	if !ok {
		return response{status: http.StatusNotFound}
	}
	route := endpoint.Path
	logger := logging.LoggerFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(req.Body, s.maxBodyBytes+1))
	if err != nil {
		logger.Warn("read request body", "error", err, "path", route)
		return response{status: http.StatusBadRequest, route: route}
	}
	if int64(len(body)) > s.maxBodyBytes {
		return response{status: http.StatusRequestEntityTooLarge, route: route}
	}

	requestID, _ := logging.RequestIDFromContext(ctx)
	view := &router.Request{
		Method:     req.Method,
		Path:       req.URL.Path,
		Query:      req.URL.Query(),
		Header:     req.Header.Clone(),
		Body:       body,
		RemoteAddr: remoteAddr,
		RequestID:  requestID,
	}

	value, err := invoke(endpoint.Handler, view)
	if err != nil {
		logger.Error("handler failed", "error", err, "method", req.Method, "path", route)
		return response{status: http.StatusInternalServerError, route: route}
	}

	res, err := s.render(value)
	if err != nil {
		logger.Error("encode response", "error", err, "method", req.Method, "path", route)
		return response{status: http.StatusInternalServerError, route: route}
	}
	res.route = route
	return res
}

func invoke(handler router.Handler, req *router.Request) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(req)
}

// render turns a handler result into a response. router.Reply overrides the
// status and router.Raw bypasses JSON encoding.
func (s *Server) render(value any) (response, error) {
	status := http.StatusOK
	switch reply := value.(type) {
	case router.Reply:
		if reply.Status != 0 {
			status = reply.Status
		}
		if reply.Body == nil {
			return response{status: status}, nil
		}
		value = reply.Body
	case *router.Reply:
		if reply == nil {
			break
		}
		if reply.Status != 0 {
			status = reply.Status
		}
		if reply.Body == nil {
			return response{status: status}, nil
		}
		value = reply.Body
	}

	if raw, ok := value.(router.Raw); ok {
		return response{status: status, contentType: raw.ContentType, body: raw.Body}, nil
	}

	body, err := serializer.MarshalWithOptions(value, s.encoding)
	if err != nil {
		return response{}, err
	}
	return response{status: status, contentType: "application/json", body: body}, nil
}

func (s *Server) writeResponse(w io.Writer, res response, requestID string) error {
	header := make(http.Header)
	applyCORSHeaders(header)
	if res.contentType != "" {
		header.Set("Content-Type", res.contentType)
	}
	if requestID != "" {
		header.Set("X-Request-Id", requestID)
	}

	out := &http.Response{
		StatusCode:    res.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(res.body)),
		Close:         true,
	}
	if len(res.body) > 0 {
		out.Body = io.NopCloser(bytes.NewReader(res.body))
	}
	return out.Write(w)
}
