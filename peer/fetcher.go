package peer

import (
	"context"
	"fmt"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
	"tarun-kavipurapu/p2p-codeshare/pkg/transport"
	"tarun-kavipurapu/p2p-codeshare/pkg/transport/tcp"
)

// ChunkFetcher performs one requester-side exchange against one peer.
// maxSize bounds the body the caller is willing to accept.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, peer protocol.PeerAddress, filename string, index uint32, maxSize uint64) ([]byte, error)
}

// TCPFetcher opens one connection per exchange.
type TCPFetcher struct {
	Dialer  transport.Dialer
	Timeout time.Duration
}

func NewTCPFetcher(timeout time.Duration) *TCPFetcher {
	if timeout <= 0 {
		timeout = protocol.DefaultTimeout
	}
	return &TCPFetcher{
		Dialer:  tcp.Dialer{Timeout: timeout},
		Timeout: timeout,
	}
}

// FetchChunk walks Connected -> RequestSent -> HeaderReceived -> AckSent ->
// StreamingBody -> Complete. Any failure closes the connection.
func (f *TCPFetcher) FetchChunk(ctx context.Context, peer protocol.PeerAddress, filename string, index uint32, maxSize uint64) ([]byte, error) {
	raw, err := f.Dialer.Dial(ctx, peer.String())
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	conn, stop := tcp.WithContextIOTimeout(ctx, raw, f.Timeout)
	defer stop()

	req := protocol.ChunkRequest{Cmd: protocol.CmdGetChunk, Filename: filename, Index: int64(index)}
	if err := protocol.WriteMessage(conn, req); err != nil {
		return nil, err
	}

	var header protocol.ChunkResponseHeader
	if err := protocol.ReadMessage(conn, &header); err != nil {
		return nil, err
	}
	if err := protocol.CheckHeader(header); err != nil {
		return nil, err
	}
	if header.Size > maxSize {
		return nil, fmt.Errorf("%w: peer announced %d bytes for chunk %d, max %d", errdefs.ErrProtocol, header.Size, index, maxSize)
	}

	if err := protocol.WriteReady(conn); err != nil {
		return nil, err
	}
	return protocol.ReadBody(conn, header.Size)
}
