// Package conntest provides an in-memory registry.Conn that records every
// frame it is sent. It is used by package tests across the module.
package conntest

import (
	"encoding/json"
	"sync"

	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

type Recorder struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func New(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.frames = append(r.frames, data)
	return true
}

// Close makes every later Send fail, like a socket that went away.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Events decodes every recorded frame.
func (r *Recorder) Events() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(r.frames))
	for _, f := range r.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// OfType returns the recorded envelopes of one kind.
func (r *Recorder) OfType(kind string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range r.Events() {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// Last decodes the payload of the most recent event of kind into v and
// reports whether one was found.
func (r *Recorder) Last(kind string, v any) bool {
	events := r.OfType(kind)
	if len(events) == 0 {
		return false
	}
	return json.Unmarshal(events[len(events)-1].Payload, v) == nil
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}
