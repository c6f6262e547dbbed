package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/transport"
)

// DefaultMaxConns is the handler ceiling when none is configured.
const DefaultMaxConns = 64

// TCPTransport implements transport.Transport. At most maxConns handlers run
// at once; further connections wait in the listen backlog.
type TCPTransport struct {
	listenAddr string
	maxConns   int64

	mu       sync.Mutex
	listener net.Listener
	handler  transport.ConnHandler

	sem      *semaphore.Weighted
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   atomic.Int64
}

func NewTCPTransport(addr string, maxConns int) *TCPTransport {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		listenAddr: addr,
		maxConns:   int64(maxConns),
		sem:        semaphore.NewWeighted(int64(maxConns)),
		loopDone:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (t *TCPTransport) SetHandler(h transport.ConnHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TCPTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer close(t.loopDone)
	for {
		// take a slot before accepting so a full pool applies backpressure
		if err := t.sem.Acquire(t.ctx, 1); err != nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			t.sem.Release(1)
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.Addr(), err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.wg.Add(1)
		t.active.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		t.active.Add(-1)
		t.sem.Release(1)
		t.wg.Done()
	}()

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		logger.Sugar.Warnf("[TCPTransport] no handler set, dropping conn: remote=%s", conn.RemoteAddr())
		return
	}
	h(conn)
}

// ActiveConns returns the number of connections currently being handled.
func (t *TCPTransport) ActiveConns() int64 {
	return t.active.Load()
}

// MaxConns returns the handler ceiling.
func (t *TCPTransport) MaxConns() int64 {
	return t.maxConns
}

// Close stops accepting and waits for in-flight handlers to return.
func (t *TCPTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		<-t.loopDone
	}
	t.wg.Wait()
	return err
}

// Addr returns the bound address once listening, else the configured one.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}

// Dialer implements transport.Dialer with a connect timeout.
type Dialer struct {
	Timeout time.Duration
}

func (d Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errdefs.ErrNetwork, addr, err)
	}
	return conn, nil
}
