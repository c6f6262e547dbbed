package tcp

import (
	"context"
	"net"
	"time"
)

// timeoutConn refreshes the read or write deadline before every I/O call, so
// a stalled peer fails after timeout of inactivity instead of hanging. With a
// ctx, a canceled ctx fails every later call and pins the deadline in the past.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
	ctx     context.Context
}

// WithIOTimeout wraps conn so each Read and Write carries its own deadline.
func WithIOTimeout(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &timeoutConn{Conn: conn, timeout: timeout}
}

// WithContextIOTimeout is WithIOTimeout that also stops on ctx. Cancellation
// interrupts a blocked call and is never undone by a later deadline refresh.
func WithContextIOTimeout(ctx context.Context, conn net.Conn, timeout time.Duration) (net.Conn, func() bool) {
	c := &timeoutConn{Conn: conn, timeout: timeout, ctx: ctx}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	return c, stop
}

func (c *timeoutConn) arm(set func(time.Time) error) error {
	if c.ctx != nil {
		if err := c.ctx.Err(); err != nil {
			return err
		}
	}
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := set(deadline); err != nil {
		return err
	}
	// a cancel that fired between the check and set would be overwritten
	if c.ctx != nil {
		if err := c.ctx.Err(); err != nil {
			set(time.Now())
			return err
		}
	}
	return nil
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if err := c.arm(c.Conn.SetReadDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if err := c.arm(c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
