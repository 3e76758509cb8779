package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-media/internal/bus"
	"github.com/loqalabs/loqa-media/internal/config"
	"github.com/loqalabs/loqa-media/internal/protocol"
)

const (
	CapabilityChained    = "media.stream.chained"
	CapabilityContinuous = "media.stream.continuous"
)

// NodeInfo is the registry's view of one relay node.
type NodeInfo struct {
	ID            string
	Role          string
	Capabilities  []protocol.Capability
	ActiveStreams int
	LastSeen      time.Time
	Healthy       bool
}

// LoadFunc reports how many streams the local node is serving.
type LoadFunc func() int

// Registry announces the local relay on the bus and tracks every relay it
// hears from.
type Registry struct {
	cfg     config.NodeConfig
	caps    []protocol.Capability
	load    LoadFunc
	log     *slog.Logger
	bus     *bus.Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	metrics metric.Registration

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// Capabilities derives the advertised capabilities from the relay settings.
func Capabilities(cfg config.Config) []protocol.Capability {
	if !cfg.Relay.Enabled {
		return nil
	}
	attrs := map[string]string{
		"max_streams":      strconv.Itoa(cfg.Relay.MaxStreams),
		"bytes_per_second": strconv.Itoa(cfg.Sink.BytesPerSecond),
	}
	return []protocol.Capability{
		{Name: CapabilityChained, Tier: cfg.Node.Tier, Attributes: attrs},
		{Name: CapabilityContinuous, Tier: cfg.Node.Tier, Attributes: attrs},
	}
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []protocol.Capability, busClient *bus.Client, load LoadFunc, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, fmt.Errorf("presence requires a bus connection")
	}
	if load == nil {
		load = func() int { return 0 }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   caps,
		load:   load,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
	if r.metrics != nil {
		_ = r.metrics.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) interval() time.Duration {
	return time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, r.load(), msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:        r.cfg.ID,
		Role:          r.cfg.Role,
		Capabilities:  r.caps,
		ActiveStreams: r.load(),
		Timestamp:     time.Now().UTC(),
	}
	return r.bus.PublishJSON(protocol.HeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, -1, announcement.Timestamp)
	if announcement.NodeID != r.cfg.ID {
		// reply so the newcomer sees this node before the next tick
		if err := r.publishHeartbeat(); err != nil {
			r.log.Debug("heartbeat reply failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, hb.Role, hb.Capabilities, hb.ActiveStreams, hb.Timestamp)
}

// updateNode records a sighting; a negative load leaves the previous value.
func (r *Registry) updateNode(nodeID, role string, caps []protocol.Capability, load int, timestamp time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	if load >= 0 {
		node.ActiveStreams = load
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node still sees its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]protocol.Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

// Pick returns the healthy node advertising capability with the fewest
// active streams. Ties go to the lowest node id.
func (r *Registry) Pick(capability string) (NodeInfo, bool) {
	var (
		best  NodeInfo
		found bool
	)
	for _, node := range r.Query(WithCapability(capability)) {
		if !node.Healthy {
			continue
		}
		if !found || node.ActiveStreams < best.ActiveStreams ||
			(node.ActiveStreams == best.ActiveStreams && node.ID < best.ID) {
			best = node
			found = true
		}
	}
	return best, found
}

func (r *Registry) LocalCapabilities() []protocol.Capability {
	return append([]protocol.Capability(nil), r.caps...)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-media/presence")
	nodeGauge, err := meter.Int64ObservableGauge("loqa.media.nodes", metric.WithDescription("Number of known relay nodes"))
	if err != nil {
		return err
	}
	streamGauge, err := meter.Int64ObservableGauge("loqa.media.nodes.streams", metric.WithDescription("Streams reported by all healthy relay nodes"))
	if err != nil {
		return err
	}
	r.metrics, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, streams := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(streamGauge, streams)
		return nil
	}, nodeGauge, streamGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, streams int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			streams += int64(node.ActiveStreams)
		}
	}
	return nodes, streams
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func WithTier(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}
