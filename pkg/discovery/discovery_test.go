package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTXT(t *testing.T) {
	meta := parseTXT([]string{"type=broker", "version=1.0.0", "junk", "k=a=b"})
	assert.Equal(t, "broker", meta[MetaType])
	assert.Equal(t, "1.0.0", meta["version"])
	assert.Equal(t, "a=b", meta["k"])
	assert.NotContains(t, meta, "junk")
}

func TestServiceInfoAddr(t *testing.T) {
	info := &ServiceInfo{Port: 5000, IPs: []string{"192.168.1.20", "10.0.0.2"}}
	assert.Equal(t, "192.168.1.20:5000", info.Addr())

	assert.Empty(t, (&ServiceInfo{Port: 5000}).Addr())
}

func TestDiscovery(t *testing.T) {
	// multicast is often unavailable in CI containers
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	port := 12345
	err := advertiser.Start("test-broker", port, map[string]string{MetaType: RoleBroker, "test": "true"})
	require.NoError(t, err)
	defer advertiser.Stop()

	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	require.NoError(t, err)

	found := false
	for info := range ch {
		if info.Port == port && info.Meta["test"] == "true" {
			found = true
			assert.NotEmpty(t, info.IPs, "discovered service has no IPs")
			assert.Equal(t, RoleBroker, info.Meta[MetaType])
			break
		}
	}
	assert.True(t, found, "failed to discover the test service")
}
