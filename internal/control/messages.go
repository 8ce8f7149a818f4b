// ABOUTME: Control protocol messages exchanged on the Session stream
// ABOUTME: CBOR-encoded with integer keys; exactly one field set per envelope

package control

// ClientMessage is sent by the node. Exactly one field is set.
type ClientMessage struct {
	Hello     *Hello     `cbor:"1,keyasint,omitempty"`
	Heartbeat *Heartbeat `cbor:"2,keyasint,omitempty"`
}

// Hello opens a session.
type Hello struct {
	NodeID      string `cbor:"1,keyasint"`
	Version     string `cbor:"2,keyasint,omitempty"`
	LastAddress string `cbor:"3,keyasint,omitempty"`
}

// Heartbeat keeps the session alive at the application level.
type Heartbeat struct {
	Seq    uint64 `cbor:"1,keyasint"`
	SentAt int64  `cbor:"2,keyasint"` // unix millis
}

// ServerMessage is sent by the coordination service. Exactly one field is set.
type ServerMessage struct {
	Welcome  *Welcome      `cbor:"1,keyasint,omitempty"`
	Log      *LogLine      `cbor:"2,keyasint,omitempty"`
	Shutdown *Shutdown     `cbor:"3,keyasint,omitempty"`
	Ack      *HeartbeatAck `cbor:"4,keyasint,omitempty"`
}

// Welcome completes the handshake and carries the node's virtual address.
type Welcome struct {
	Address string `cbor:"1,keyasint"`
	NodeID  string `cbor:"2,keyasint,omitempty"`
}

// LogLine is a line of text for the node's log observers.
type LogLine struct {
	Line string `cbor:"1,keyasint"`
}

// Shutdown asks the node to end the session.
type Shutdown struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// HeartbeatAck echoes a heartbeat sequence number.
type HeartbeatAck struct {
	Seq uint64 `cbor:"1,keyasint"`
}
