// Package wire defines the frames exchanged between peers and how they are
// laid out on a TCP stream.
package wire

import "fmt"

// Type identifies what a frame carries.
type Type uint8

const (
	TypeMessage Type = iota + 1
	TypePing
	TypePingAck
)

func (t Type) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypePing:
		return "ping"
	case TypePingAck:
		return "ping_ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeMessage && t <= TypePingAck
}

// Wildcard is the target of a broadcast message.
const Wildcard = "*"

// Frame is one unit on the wire.
type Frame struct {
	Type    Type
	TTL     int32  // hop budget, only meaningful for messages
	Source  string // IPv4 of the originating node
	Target  string // IPv4 of the destination or Wildcard
	Payload string
	ID      string // set once at origin for messages, used for flood dedup
}

// NewMessage builds a message frame originating at source.
func NewMessage(id, source, target, payload string, ttl int32) *Frame {
	return &Frame{
		Type:    TypeMessage,
		TTL:     ttl,
		Source:  source,
		Target:  target,
		Payload: payload,
		ID:      id,
	}
}

// NewPing builds a single hop liveness probe.
func NewPing(source, target string) *Frame {
	return &Frame{Type: TypePing, TTL: 1, Source: source, Target: target}
}

// NewPingAck builds the reply to a ping received from target.
func NewPingAck(source, target string) *Frame {
	return &Frame{Type: TypePingAck, TTL: 1, Source: source, Target: target}
}

// IsBroadcast reports whether the frame is addressed to every node.
func (f *Frame) IsBroadcast() bool {
	return f.Target == Wildcard
}

// DecrementTTL consumes one hop and reports whether the frame may still be
// forwarded. The TTL never increases and never drops below zero.
func (f *Frame) DecrementTTL() bool {
	if f.TTL <= 0 {
		f.TTL = 0
		return false
	}
	f.TTL--
	return f.TTL > 0
}

// Clone returns a copy safe to hand to another goroutine.
func (f *Frame) Clone() *Frame {
	c := *f
	return &c
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s->%s ttl=%d id=%s", f.Type, f.Source, f.Target, f.TTL, f.ID)
}
