package presence

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-media/internal/bus"
	"github.com/loqalabs/loqa-media/internal/config"
	"github.com/loqalabs/loqa-media/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	server, err := natsserver.Start(cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(server.Shutdown)
	cfg.Servers = []string{server.ClientURL()}
	return cfg
}

func connect(t *testing.T, cfg config.BusConfig, name string) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), cfg, name, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "media-relay", Tier: "balanced", HeartbeatInterval: 20, HeartbeatTimeout: 150}
}

func TestCapabilitiesFollowRelayConfig(t *testing.T) {
	cfg := config.Default()
	caps := Capabilities(cfg)
	require.Len(t, caps, 2)
	assert.Equal(t, CapabilityChained, caps[0].Name)
	assert.Equal(t, "64", caps[0].Attributes["max_streams"])

	cfg.Relay.Enabled = false
	assert.Empty(t, Capabilities(cfg))
}

func TestRegistryTracksPeersAndPicksLeastLoaded(t *testing.T) {
	busCfg := startBus(t)
	caps := Capabilities(config.Default())

	var loadA, loadB atomic.Int64
	loadA.Store(5)
	loadB.Store(1)

	a, err := NewRegistry(context.Background(), nodeConfig("node-a"), caps, connect(t, busCfg, "a"), func() int { return int(loadA.Load()) }, newLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	b, err := NewRegistry(context.Background(), nodeConfig("node-b"), caps, connect(t, busCfg, "b"), func() int { return int(loadB.Load()) }, newLogger())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.Query(WithCapability(CapabilityContinuous))) == 2 && len(b.Query(nil)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Healthy())

	require.Eventually(t, func() bool {
		node, ok := a.Pick(CapabilityChained)
		return ok && node.ID == "node-b" && node.ActiveStreams == 1
	}, 2*time.Second, 10*time.Millisecond)

	loadB.Store(9)
	require.Eventually(t, func() bool {
		node, ok := a.Pick(CapabilityChained)
		return ok && node.ID == "node-a"
	}, 2*time.Second, 10*time.Millisecond)

	b.Close()
	require.Eventually(t, func() bool {
		return len(a.Query(func(n NodeInfo) bool { return n.ID == "node-b" && !n.Healthy })) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := a.Pick("media.stream.unknown")
	assert.False(t, ok)
	assert.Len(t, a.Query(WithTier("balanced")), 2)
}

func TestEvaluateHealthExpiresSilentNodes(t *testing.T) {
	r := &Registry{cfg: nodeConfig("local"), nodes: make(map[string]*NodeInfo)}
	now := time.Now()
	r.updateNode("local", "media-relay", nil, 0, now)
	r.updateNode("peer", "", nil, 3, now.Add(-time.Second))
	r.updateNode("peer", "", nil, -1, now.Add(-time.Second))

	r.evaluateHealth(now)

	assert.True(t, r.Healthy())
	peers := r.Query(func(n NodeInfo) bool { return n.ID == "peer" })
	require.Len(t, peers, 1)
	assert.False(t, peers[0].Healthy)
	assert.Equal(t, 3, peers[0].ActiveStreams)
}
