package core

import "encoding/json"

// Frame is a raw signaling payload (one JSON text frame).
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Send encodes msg and queues it on conn without blocking.
func Send(conn SignalConnection, msg Message) error {
	if conn == nil {
		return ErrConnClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.TrySend(b)
}
