package domain

import "encoding/json"

// WorkItem is anything that can be routed to a named queue.
type WorkItem interface {
	QueueName() string
}

// Envelope is the default WorkItem carried by the hosting service: an opaque
// JSON payload addressed to a queue.
type Envelope struct {
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Hops counts how many times a handler re-enqueued this item.
	Hops int `json:"hops,omitempty"`
}

func (e Envelope) QueueName() string { return e.Queue }
