package centralserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
)

const (
	DefaultSessionTTL    = time.Hour
	DefaultSweepInterval = 60 * time.Second

	codeLen         = 6
	maxCodeAttempts = 1000
)

// Session binds a share code to a manifest and the peers serving it.
// Values handed out by the registry are copies.
type Session struct {
	Code        string
	Manifest    *manifest.Manifest
	ManifestKey string
	Peers       []protocol.PeerAddress
	CreatedAt   time.Time
	TTL         time.Duration
}

func (s Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.TTL)
}

// Expired reports now - CreatedAt > TTL.
func (s Session) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.TTL
}

func (s *Session) clone() Session {
	cp := *s
	cp.Peers = append([]protocol.PeerAddress(nil), s.Peers...)
	return cp
}

// SessionRegistry owns all sessions. Every operation holds mu for its whole
// read-modify-write, including artifact writes and deletes.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    storage.Store
	ttl      time.Duration
	now      func() time.Time
	newCode  func() (string, error)
}

type RegistryOption func(*SessionRegistry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *SessionRegistry) { r.now = now }
}

// WithCodeGenerator replaces the random six digit generator.
func WithCodeGenerator(gen func() (string, error)) RegistryOption {
	return func(r *SessionRegistry) { r.newCode = gen }
}

// NewSessionRegistry keeps manifest artifacts in store. A zero ttl means
// DefaultSessionTTL.
func NewSessionRegistry(store storage.Store, ttl time.Duration, opts ...RegistryOption) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	r := &SessionRegistry{
		sessions: make(map[string]*Session),
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		newCode:  RandomCode,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RandomCode returns six ASCII digits in [100000, 999999].
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLen, n.Int64()+100000), nil
}

// Create stores m and peers under a fresh code not held by any live session.
func (r *SessionRegistry) Create(m *manifest.Manifest, peers []protocol.PeerAddress) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: nil manifest", errdefs.ErrMalformedManifest)
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	peers = dedupePeers(peers)
	if len(peers) == 0 {
		return "", errors.New("at least one serving peer is required")
	}
	for _, p := range peers {
		if err := p.Validate(); err != nil {
			return "", err
		}
	}

	key, err := storage.ManifestKey(m.ID())
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.uniqueCodeLocked()
	if err != nil {
		return "", err
	}

	// identical manifests share one content-addressed artifact
	if !r.store.Has(key) {
		if err := manifest.Save(r.store, key, m); err != nil {
			return "", fmt.Errorf("failed to persist manifest: %w", err)
		}
	}

	r.sessions[code] = &Session{
		Code:        code,
		Manifest:    m,
		ManifestKey: key,
		Peers:       peers,
		CreatedAt:   r.now(),
		TTL:         r.ttl,
	}
	logger.Sugar.Infof("[Registry] session created: code=%s file=%s peers=%d", code, m.Filename, len(peers))
	return code, nil
}

func (r *SessionRegistry) uniqueCodeLocked() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		if _, taken := r.sessions[code]; !taken {
			return code, nil
		}
		logger.Sugar.Debugf("[Registry] code collision, regenerating: code=%s", code)
	}
	return "", fmt.Errorf("no free session code after %d attempts", maxCodeAttempts)
}

// Lookup returns the session for code. Expired sessions not yet swept are
// reported as not found.
func (r *SessionRegistry) Lookup(code string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok || s.Expired(r.now()) {
		return Session{}, fmt.Errorf("%w: session %q", errdefs.ErrNotFound, code)
	}
	return s.clone(), nil
}

// AddPeer appends peer to the session's peer set if it is not already there.
func (r *SessionRegistry) AddPeer(code string, peer protocol.PeerAddress) (Session, error) {
	if err := peer.Validate(); err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok || s.Expired(r.now()) {
		return Session{}, fmt.Errorf("%w: session %q", errdefs.ErrNotFound, code)
	}
	for _, p := range s.Peers {
		if p == peer {
			return s.clone(), nil
		}
	}
	s.Peers = append(s.Peers, peer)
	logger.Sugar.Infof("[Registry] peer added: code=%s peer=%s peers=%d", code, peer, len(s.Peers))
	return s.clone(), nil
}

// Sweep removes every session with now - CreatedAt > TTL and deletes
// manifest artifacts no remaining session references. It returns the number
// of sessions removed.
func (r *SessionRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	orphaned := make(map[string]bool)
	removed := 0
	for code, s := range r.sessions {
		if s.Expired(now) {
			delete(r.sessions, code)
			orphaned[s.ManifestKey] = true
			removed++
			logger.Sugar.Infof("[Registry] session expired: code=%s file=%s", code, s.Manifest.Filename)
		}
	}
	for _, s := range r.sessions {
		delete(orphaned, s.ManifestKey)
	}

	for key := range orphaned {
		if err := r.store.Delete(key); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			logger.Sugar.Errorf("[Registry] failed to delete manifest artifact: key=%s err=%v", key, err)
		}
	}
	return removed
}

// RunReaper sweeps every interval until quit is closed.
func (r *SessionRegistry) RunReaper(interval time.Duration, quit <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				logger.Sugar.Infof("[Registry] reaper removed %d session(s), %d live", n, r.Len())
			}
		}
	}
}

// Len returns the number of stored sessions, including expired ones not yet swept.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns live sessions ordered by creation time.
func (r *SessionRegistry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	list := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.Expired(now) {
			list = append(list, s.clone())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// TTL returns the lifetime given to new sessions.
func (r *SessionRegistry) TTL() time.Duration {
	return r.ttl
}

func dedupePeers(peers []protocol.PeerAddress) []protocol.PeerAddress {
	seen := make(map[protocol.PeerAddress]bool, len(peers))
	out := make([]protocol.PeerAddress, 0, len(peers))
	for _, p := range peers {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
