// Package bus distributes job progress events to live subscribers. It
// backs the subscribe(job_id) contract: the production
// manager's EventSink publishes here and each subscriber's forwarder
// goroutine receives a copy, independent of the append-only
// domain.JobEvent ledger late subscribers replay from on connect.
package bus

import "context"

// Message is one published job event, the wire shape domain.JobEvent is
// projected into for distribution.
type Message struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	Stage    int    `json:"stage,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Bus is the publish/subscribe surface the production manager's EventSink
// writes to and a watch subscriber reads from.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	StartForwarder(ctx context.Context, onMsg func(m Message)) error
	Close() error
}
