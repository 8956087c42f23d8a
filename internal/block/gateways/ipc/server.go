package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
)

const (
	maxLineBytes = 1 << 20
	idleTimeout  = 30 * time.Second
)

// Authorizer checks the proof attached to a request.
type Authorizer interface {
	Verify(cmd, token string) error
}

// Server accepts protocol connections on a unix socket.
type Server struct {
	path     string
	handler  Handler
	auth     Authorizer
	validate *validator.Validate
	logger   log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewServer returns a server for the socket at path. With a nil Authorizer
// every authenticated method is denied.
func NewServer(path string, h Handler, auth Authorizer, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Server{
		path:     path,
		handler:  h,
		auth:     auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and serves connections in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("ipc server already running")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// a socket left by a crashed daemon would make Listen fail
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	// unprivileged clients may read status; mutations still need a proof
	if err := os.Chmod(s.path, 0o666); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = l
	s.running = true

	s.logger.Info(map[string]any{"socket": s.path}, "ipc_server_started")

	s.wg.Add(1)
	go s.acceptLoop(ctx, l)
	return nil
}

// Stop closes the listener and every open connection and waits for handlers.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = os.Remove(s.path)
	s.logger.Info(map[string]any{"socket": s.path}, "ipc_server_stopped")
	return err
}

// Address returns the socket path.
func (s *Server) Address() string {
	return s.path
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			s.logger.Warn(map[string]any{"error": err.Error()}, "ipc_accept_failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				s.logger.Debug(map[string]any{"error": err.Error()}, "ipc_read_failed")
			}
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse("", domain.ErrInvalidRequest.WithMessagef("malformed request: %v", err))
		} else {
			resp = s.Dispatch(ctx, req)
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug(map[string]any{"error": err.Error()}, "ipc_write_failed")
			return
		}
	}
}

// Dispatch routes one request and always returns a response.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	r, ok := routes[req.Method]
	if !ok {
		return s.fail(req, domain.ErrInvalidRequest.WithMessagef("unknown method %q", req.Method))
	}
	if r.auth {
		if s.auth == nil {
			return s.fail(req, domain.ErrAuthorizationDenied.WithMessage("authorization is not configured"))
		}
		if err := s.auth.Verify(req.Method, req.Auth); err != nil {
			return s.fail(req, err)
		}
	}

	var params any
	if r.params != nil {
		params = r.params()
		if len(req.Params) > 0 {
			dec := json.NewDecoder(bytes.NewReader(req.Params))
			dec.DisallowUnknownFields()
			if err := dec.Decode(params); err != nil {
				return s.fail(req, domain.ErrInvalidRequest.WithMessagef("params: %v", err))
			}
		}
		if err := s.validate.Struct(params); err != nil {
			return s.fail(req, domain.ErrInvalidRequest.WithMessagef("params: %v", err))
		}
	}

	result, err := r.call(ctx, s.handler, params)
	if err != nil {
		return s.fail(req, err)
	}
	resp := Response{ID: req.ID, OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return s.fail(req, domain.ErrInternal.WithMessagef("encode result: %v", err))
		}
		resp.Result = raw
	}
	s.logger.Debug(map[string]any{"method": req.Method, "id": req.ID}, "ipc_request_served")
	return resp
}

func (s *Server) fail(req Request, err error) Response {
	s.logger.Warn(map[string]any{
		"method": req.Method,
		"id":     req.ID,
		"code":   domain.CodeOf(err),
		"error":  err.Error(),
	}, "ipc_request_failed")
	return errorResponse(req.ID, err)
}

func errorResponse(id string, err error) Response {
	msg := err.Error()
	var be *domain.BlockError
	if errors.As(err, &be) {
		msg = be.Message
	}
	return Response{ID: id, Error: &WireError{Code: domain.CodeOf(err), Message: msg}}
}
