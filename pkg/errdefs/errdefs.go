// Package errdefs defines the error classes shared by the manifest, protocol,
// peer and broker packages. Callers wrap one of the sentinels with context
// and classify with errors.Is.
package errdefs

import "errors"

var (
	// ErrNetwork covers connect, timeout and receive failures against one peer.
	ErrNetwork = errors.New("network error")
	// ErrProtocol covers malformed frames and unexpected status values.
	ErrProtocol = errors.New("protocol error")
	// ErrIntegrity means received bytes do not match the expected digest or size.
	ErrIntegrity = errors.New("integrity error")
	// ErrNotFound covers unknown chunks, session codes and manifests.
	ErrNotFound = errors.New("not found")
	// ErrStorage covers blob store read and write failures.
	ErrStorage = errors.New("storage error")
	// ErrMalformedManifest is returned when a manifest fails validation.
	ErrMalformedManifest = errors.New("malformed manifest")
)

// IsPeerFailure reports whether err should move a chunk fetch on to the next
// peer. Remote not-found replies count too: the chunk may live elsewhere.
func IsPeerFailure(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrNotFound)
}

// Kind returns a short label for logs and counters.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrMalformedManifest):
		return "malformed_manifest"
	default:
		return "unknown"
	}
}
