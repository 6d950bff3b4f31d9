// Package transport defines the broker connection used by the listener and
// provides implementations for production (MQTT) and testing (in-memory).
package transport

import "strings"

// Message is one publication received from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport abstracts a subscribe-only broker session.
// The listener uses this interface exclusively so that tests can inject an
// in-memory broker without needing a real network connection.
type Transport interface {
	// Connect opens the session. A failure here is fatal to the caller.
	Connect() error

	// Subscribe registers topic filters. Messages matching any of them are
	// delivered on Incoming.
	Subscribe(filters ...string) error

	// Incoming returns the channel of received messages.
	Incoming() <-chan Message

	// Lost delivers at most one error when the session drops unexpectedly.
	Lost() <-chan error

	// Close ends the session. Safe to call more than once.
	Close() error
}

// Match reports whether topic matches an MQTT topic filter. "+" matches one
// level and a trailing "#" matches the remaining levels, including none.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
