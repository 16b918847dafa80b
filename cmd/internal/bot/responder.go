// Package bot integrates a generative backend into coopchat.
//
// A Responder turns a prompt plus chat history into a lazy sequence of text
// fragments. Completion and failure are explicit: Next returns io.EOF when
// the sequence is exhausted and any other error when generation failed.
package bot

import (
	"context"
)

// Role identifies the author side of one history turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one prior message handed to the Responder as context.
type Turn struct {
	Role Role
	Text string
}

// FragmentStream is a pull iterator over generated text fragments.
//
// Next returns io.EOF after the final fragment. A non-EOF error means the
// generation failed; the stream must not be used afterwards. Close releases
// backend resources and is safe to call more than once.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
	Close()
}

// Responder produces a fragment stream for a prompt.
//
// The returned stream is finite and not restartable.
type Responder interface {
	Generate(ctx context.Context, prompt string, history []Turn) (FragmentStream, error)
}
