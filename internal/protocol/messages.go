package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorID         string `json:"actor_id"`
	Name            string `json:"name,omitempty"`
	World           string `json:"world,omitempty"`
	Token           string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ActorID         string          `json:"actor_id"`
	SessionID       string          `json:"session_id"`
	Status          json.RawMessage `json:"status,omitempty"`
}

// POS (client -> server): the actor's current position.
type PosMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	World           string  `json:"world"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Z               float64 `json:"z"`
	Dead            bool    `json:"dead,omitempty"`
	Killer          string  `json:"killer,omitempty"`
}

// Command ops.
const (
	OpToggleDuty = "TOGGLE_DUTY"
	OpConvert    = "CONVERT"
	OpMark       = "MARK"
	OpCapture    = "CAPTURE"
	OpJail       = "JAIL"
	OpChase      = "CHASE"
	OpStopChase  = "STOP_CHASE"
	OpSearch     = "SEARCH"
	OpKit        = "KIT"
	OpStatus     = "STATUS"
)

// CMD (client -> server)
type CmdMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ReqID           string  `json:"req_id"`
	Op              string  `json:"op"`
	Target          string  `json:"target,omitempty"`
	Minutes         float64 `json:"minutes,omitempty"`
	Amount          int     `json:"amount,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// ACK (server -> client): the outcome of one CMD.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Result          any    `json:"result,omitempty"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           any    `json:"event"`
}

// RESTRAIN / RELEASE (server -> client): the client must hold the actor in
// place until a matching RELEASE arrives.
type RestraintMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Minutes         float64 `json:"minutes,omitempty"`
}
