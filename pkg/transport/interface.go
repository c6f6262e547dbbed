package transport

import (
	"context"
	"net"
)

// ConnHandler serves one accepted connection. The transport closes the
// connection once the handler returns.
type ConnHandler func(conn net.Conn)

// Transport accepts stream connections and hands each one to a handler.
type Transport interface {
	ListenAndAccept() error
	Close() error
	Addr() string
	SetHandler(ConnHandler)
}

// Dialer opens outbound stream connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}
