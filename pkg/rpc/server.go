// Package rpc is a small JSON-over-TCP request/response layer used for
// service-to-service scan calls.
//
// Protocol: newline-delimited JSON over a persistent TCP connection. Each
// request names a "Service.Method"; the response echoes the request id and
// carries either data or an error with an HTTP-style status code.
//
//	s := rpc.NewServer()
//	s.Register("ScanService.Scan", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    ...
//	})
//	go s.Serve(ctx, ":9000")
//
//	c, _ := rpc.Dial(ctx, "localhost:9000")
//	var res scanjob.Result
//	err := c.Call(ctx, "ScanService.Scan", req, &res)
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/errors"
)

// HandlerFunc serves one method. A returned *apperrors.AppError keeps its
// status code on the wire; other errors are sent as 500.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError is the error half of a Response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Server struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
	mu       sync.RWMutex
	wg       sync.WaitGroup

	lnMu     sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewServer() *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default().With("component", "rpc-server"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Register adds a handler for method, replacing any earlier one.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	s.logger.Debug("method registered", "method", method)
}

func (s *Server) MethodCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Serve listens on addr and blocks until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.lnMu.Lock()
	if s.closed {
		s.lnMu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.lnMu.Unlock()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) isClosed() bool {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.lnMu.Lock()
	delete(s.conns, conn)
	s.lnMu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("write error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}

	s.mu.RLock()
	handler, exists := s.handlers[req.Method]
	s.mu.RUnlock()
	if !exists {
		resp.Error = &WireError{Code: http.StatusNotFound, Message: "unknown method: " + req.Method}
		return resp
	}

	data, err := handler(ctx, req.Params)
	if err != nil {
		resp.Error = &WireError{Code: apperrors.HTTPStatusCode(err), Message: err.Error()}
		return resp
	}
	raw, err := json.Marshal(data)
	if err != nil {
		resp.Error = &WireError{Code: http.StatusInternalServerError, Message: "encoding response: " + err.Error()}
		return resp
	}
	resp.Data = raw
	return resp
}

// Stop closes the listener and open connections, then waits for in-flight
// handlers. It is safe to call more than once.
func (s *Server) Stop() {
	s.lnMu.Lock()
	if s.closed {
		s.lnMu.Unlock()
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.lnMu.Unlock()

	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}
