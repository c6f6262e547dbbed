package centralserver

import (
	"encoding/json"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
)

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	Manifest json.RawMessage      `json:"manifest"`
	Peer     protocol.PeerAddress `json:"peer"`
}

// RegisterResponse is returned by /api/register and /api/upload.
type RegisterResponse struct {
	Code     string             `json:"code"`
	Manifest *manifest.Manifest `json:"manifest"`
}

// InfoResponse is the body of GET /api/get_info/{code}.
type InfoResponse struct {
	Code      string                 `json:"code"`
	Filename  string                 `json:"filename"`
	Manifest  *manifest.Manifest     `json:"manifest"`
	Peers     []protocol.PeerAddress `json:"peers"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// AddPeerRequest is the body of POST /api/sessions/{code}/peers.
type AddPeerRequest struct {
	Peer protocol.PeerAddress `json:"peer"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Sessions   int              `json:"sessions"`
	SessionTTL string           `json:"session_ttl"`
	Uptime     string           `json:"uptime"`
	Metrics    monitor.Snapshot `json:"metrics"`
	Files      []SessionInfo    `json:"files"`
}

type SessionInfo struct {
	Code      string    `json:"code"`
	Filename  string    `json:"filename"`
	Filesize  uint64    `json:"filesize"`
	Peers     int       `json:"peers"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func infoFromSession(s Session) InfoResponse {
	return InfoResponse{
		Code:      s.Code,
		Filename:  s.Manifest.Filename,
		Manifest:  s.Manifest,
		Peers:     s.Peers,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt(),
	}
}
