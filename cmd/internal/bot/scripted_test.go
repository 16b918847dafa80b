package bot

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestScriptedStreamReplaysFragmentsThenEOF(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := &ScriptedResponder{Fragments: []string{"one ", "two ", "three"}}
	stream, err := r.Generate(ctx, "count", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		f, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, f)
	}

	want := []string{"one ", "two ", "three"}
	if len(got) != len(want) {
		t.Fatalf("fragments: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fragment %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScriptedStreamSurfacesErrAfterFragments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boom := errors.New("backend down")
	r := &ScriptedResponder{Fragments: []string{"partial"}, Err: boom}
	stream, err := r.Generate(ctx, "x", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer stream.Close()

	if f, err := stream.Next(ctx); err != nil || f != "partial" {
		t.Fatalf("Next: got %q, %v", f, err)
	}
	if _, err := stream.Next(ctx); !errors.Is(err, boom) {
		t.Fatalf("Next: got %v, want %v", err, boom)
	}
}

func TestScriptedStreamHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &ScriptedResponder{Fragments: []string{"never"}}
	stream, err := r.Generate(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next: got %v, want context.Canceled", err)
	}
}
