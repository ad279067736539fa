// Package transport carries opaque request/response payloads over a Unix
// domain socket, one connection per exchange. The client writes its payload
// and half-closes; the server reads to EOF, replies, and closes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxRequestBytes bounds a single request payload.
const DefaultMaxRequestBytes = 16 << 20

// Accept failures back off from minAcceptDelay, doubling up to maxAcceptDelay.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ErrRequestTooLarge is reported when a client sends more than MaxRequestBytes.
var ErrRequestTooLarge = errors.New("request exceeds size limit")

// Handler turns one request payload into one response payload. Returning an
// error drops the connection without a reply.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Server accepts connections on a Unix socket and dispatches each to Handler.
type Server struct {
	Path            string
	Handler         Handler
	Logger          zerolog.Logger
	ReadTimeout     time.Duration
	MaxRequestBytes int64

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

// ListenAndServe binds the socket and serves until ctx is cancelled. A stale
// socket left by a previous run is removed first; any other file at Path
// makes the bind fail. In-flight exchanges finish before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Handler == nil {
		return errors.New("transport: nil handler")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStaleSocket(s.Path); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.Path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Path, err)
	}
	s.Logger.Info().Str("socket", s.Path).Msg("listening")

	err = s.Serve(ctx, ln)

	if rerr := os.Remove(s.Path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		s.Logger.Warn().Err(rerr).Str("socket", s.Path).Msg("remove socket")
	}
	s.Logger.Info().Str("socket", s.Path).Msg("stopped")
	return err
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for in-flight exchanges. Accept failures are logged and retried with
// backoff; a listener closed by anything other than ctx ends Serve.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Handler == nil {
		return errors.New("transport: nil handler")
	}
	s.mu.Lock()
	s.listener = ln
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	close(s.ready)
	s.mu.Unlock()

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var (
		wg       sync.WaitGroup
		serveErr error
		delay    time.Duration
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accept: %w", err)
				break
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.Logger.Error().Err(err).Dur("retry_in", delay).Msg("accept")
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
			continue
		}
		delay = 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(connCtx, conn)
		}()
	}

	_ = ln.Close()
	wg.Wait()
	return serveErr
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	limit := s.MaxRequestBytes
	if limit <= 0 {
		limit = DefaultMaxRequestBytes
	}

	payload, err := io.ReadAll(io.LimitReader(conn, limit+1))
	if err != nil {
		s.Logger.Warn().Err(err).Msg("read request")
		return
	}
	if int64(len(payload)) > limit {
		s.Logger.Warn().Err(ErrRequestTooLarge).Int64("limit", limit).Msg("read request")
		return
	}

	resp, err := s.Handler(ctx, payload)
	if err != nil {
		s.Logger.Error().Err(err).Msg("handle request")
		return
	}
	if _, err := conn.Write(resp); err != nil {
		s.Logger.Warn().Err(err).Msg("write response")
	}
}

// removeStaleSocket deletes path if it is a socket. A missing path is fine.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
