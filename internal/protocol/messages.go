package protocol

import "time"

// AppendRequest feeds media into a relayed stream. The first request for an
// unknown stream id creates it.
type AppendRequest struct {
	StreamID string   `json:"stream_id"`
	Mode     string   `json:"mode,omitempty"` // chained or continuous
	Refs     []string `json:"refs,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	// Final announces that no more input follows.
	Final bool `json:"final,omitempty"`
	// Play allows playback to start.
	Play bool `json:"play,omitempty"`
}

// AppendReply answers an AppendRequest sent with a reply subject.
type AppendReply struct {
	StreamID string `json:"stream_id"`
	Error    string `json:"error,omitempty"`
}

// DestroyRequest tears a relayed stream down immediately.
type DestroyRequest struct {
	StreamID string `json:"stream_id"`
}

// StreamEvent republishes an engine event for one stream.
type StreamEvent struct {
	StreamID      string    `json:"stream_id"`
	Type          string    `json:"type"`
	ReceivedTotal int       `json:"received_total"`
	PlayedTotal   int       `json:"played_total,omitempty"`
	Seq           int       `json:"seq,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	ModeChained    = "chained"
	ModeContinuous = "continuous"
)

const (
	SubjectStreamAppend      = "media.stream.append"
	SubjectStreamDestroy     = "media.stream.destroy"
	SubjectStreamEventPrefix = "media.stream.event"
)

// EventSubject is the subject carrying events for streamID.
func EventSubject(streamID string) string {
	return SubjectStreamEventPrefix + "." + streamID
}

// Capability is one feature a relay node advertises.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is published once when a relay node joins the bus.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat is published periodically with the node's current load.
type NodeHeartbeat struct {
	NodeID        string       `json:"node_id"`
	Role          string       `json:"role,omitempty"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
	ActiveStreams int          `json:"active_streams"`
	Timestamp     time.Time    `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "media.node.announce"
	SubjectNodeHeartbeatPrefix = "media.node.heartbeat"
)

// HeartbeatSubject is the subject nodeID publishes heartbeats on.
func HeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}
