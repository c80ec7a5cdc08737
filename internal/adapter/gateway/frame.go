package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// Server to client.
	FrameTypeEval  FrameType = "eval"  // script to evaluate in the renderer
	FrameTypeProbe FrameType = "probe" // asks whether the bridge global survives
	FrameTypeEvent FrameType = "event" // forwarded host event

	// Client to server.
	FrameTypeMessage     FrameType = "message"     // serialized renderer message
	FrameTypeProbeResult FrameType = "probeResult" // answer to a probe
	FrameTypeForeground  FrameType = "foreground"  // simulates app foregrounding
)

// Frame is the envelope exchanged with a development renderer client.
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     uint64          `json:"id,omitempty"`     // probe correlation ID
	Script string          `json:"script,omitempty"` // eval frames only
	Data   json.RawMessage `json:"data,omitempty"`   // message payload or event body
	Result bool            `json:"result,omitempty"` // probeResult frames only
}
