package bot

import (
	"context"
	"io"
)

// ScriptedResponder replays fixed fragments. It backs dev mode when no API
// key is configured and the realtime tests.
type ScriptedResponder struct {
	Fragments []string

	// Err, when set, is returned after the scripted fragments instead of io.EOF.
	Err error
}

// Generate returns a stream over the scripted fragments.
func (r *ScriptedResponder) Generate(_ context.Context, _ string, _ []Turn) (FragmentStream, error) {
	return &scriptedStream{fragments: r.Fragments, err: r.Err}, nil
}

type scriptedStream struct {
	fragments []string
	err       error
	pos       int
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.fragments) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *scriptedStream) Close() {}
