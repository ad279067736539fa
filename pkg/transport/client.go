package transport

import (
	"context"
	"fmt"
	"io"
	"net"
)

// Error describes a failed client exchange.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Call sends payload to the server at path and returns its reply. The
// connection is half-closed after the write so the server sees EOF.
func Call(ctx context.Context, path string, payload []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, &Error{Op: "write", Err: err}
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, &Error{Op: "close write", Err: err}
		}
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	if len(resp) == 0 {
		return nil, &Error{Op: "read", Err: io.ErrUnexpectedEOF}
	}
	return resp, nil
}
