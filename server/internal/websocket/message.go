// Package websocket implements the real-time pub/sub hub that pushes server
// events to connected GUI clients. It uses gorilla/websocket under the hood
// and exposes a topic-based broadcast API consumed by AgentRegistry and the
// notification service. It is a GUI-facing complement to eventbroker, which
// is the agent-facing broker operationrouter and agentlink use internally --
// this hub never carries AgentRequestEnvelope/AgentResponseEnvelope traffic.
//
// Topic naming convention:
//
//	agent:<uuid>             — online/offline/error transitions for an agent
//	notifications:<user_id>  — in-app notifications for a specific user
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgAgentStatus is sent when an agent's AgentLinkSupervisor transitions
	// between Connecting, Connected, and Dead.
	MsgAgentStatus MessageType = "agent.status"

	// MsgAgentMetrics labels a snapshot of host resource utilization (CPU,
	// memory, disk percentages) on the "agent:<uuid>" topic. No component of
	// this server publishes it.
	MsgAgentMetrics MessageType = "agent.metrics"

	// MsgNotification is sent when a new in-app notification is created for
	// the subscribed user.
	MsgNotification MessageType = "notification"

	// MsgPing labels an application-level ping. No component of this server
	// sends it; keep-alive uses WebSocket control ping frames written by the
	// client's writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"agent.status","topic":"agent:018f...","payload":{"status":"connected"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - agent.status:  {"status":"connected","address":"..."}
	//   - agent.metrics: {"cpu_percent":12.5,"mem_percent":60.1,"disk_percent":45.0}
	//   - notification:  {"id":"...","type":"...","title":"...","body":"..."}
	//   - ping:          {} (empty)
	Payload any `json:"payload"`
}