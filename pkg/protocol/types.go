package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	CmdGetChunk = "GETCHUNK"

	StatusOK  = "OK"
	StatusErr = "ERR"

	MsgNoSuchChunk     = "no such chunk"
	MsgUnknownCommand  = "unknown command"
	MsgInvalidRequest  = "invalid request"
	MsgInternalFailure = "internal error"
)

// ReadyToken is sent by the requester after an OK header; the responder
// streams the body only once it arrives.
var ReadyToken = []byte("READY")

// DefaultTimeout bounds connect, header receive and body receive.
const DefaultTimeout = 10 * time.Second

// BlockSize is the unit in which chunk bodies are streamed.
const BlockSize = 32 * 1024

// ChunkRequest asks a peer for one chunk.
type ChunkRequest struct {
	Cmd      string
	Filename string
	Index    int64
}

// ChunkResponseHeader precedes the body. Size is set for OK, Message for ERR.
type ChunkResponseHeader struct {
	Status  string
	Size    uint64
	Message string
}

// PeerAddress is where a peer's chunk server listens.
type PeerAddress struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a PeerAddress) Validate() error {
	if strings.TrimSpace(a.Host) == "" {
		return fmt.Errorf("peer host is empty")
	}
	if a.Port == 0 {
		return fmt.Errorf("peer port is zero")
	}
	return nil
}

// ParsePeerAddress parses "host:port".
func ParsePeerAddress(s string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return PeerAddress{}, fmt.Errorf("peer address must be host:port: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	addr := PeerAddress{Host: host, Port: uint16(port)}
	return addr, addr.Validate()
}

// ParsePeerList parses a comma separated list of host:port entries.
func ParsePeerList(s string) ([]PeerAddress, error) {
	var peers []PeerAddress
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParsePeerAddress(part)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}
