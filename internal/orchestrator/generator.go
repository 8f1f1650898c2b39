package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Generator produces content for a prompt as a stream of text chunks.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (Stream, error)
}

// Stream yields generated chunks. Next blocks until a chunk is ready, the
// generation ends or fails; Err reports the failure after Next returns false.
type Stream interface {
	Next() bool
	Chunk() string
	Usage() schema.TokenUsage
	Err() error
	Close() error
}

// GenerationFailure is recorded on the task when generation fails.
type GenerationFailure struct {
	TaskID string
	Err    error
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("generation failed for task %s: %v", e.TaskID, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

// Static is an offline Generator that replays fixed chunks.
type Static struct {
	Chunks []string
	// Err, when set, fails the stream after all chunks were delivered.
	Err error
	// Delay is slept before every chunk.
	Delay time.Duration
	Usage schema.TokenUsage
}

// Generate implements Generator.
func (s *Static) Generate(ctx context.Context, _ Prompt) (Stream, error) {
	return &staticStream{ctx: ctx, src: s, pos: -1}, nil
}

type staticStream struct {
	ctx context.Context
	src *Static
	pos int
	err error
}

func (s *staticStream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.src.Delay > 0 {
		t := time.NewTimer(s.src.Delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.err = s.ctx.Err()
			return false
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	if s.pos < len(s.src.Chunks) {
		return true
	}
	s.err = s.src.Err
	return false
}

func (s *staticStream) Chunk() string {
	if s.pos < 0 || s.pos >= len(s.src.Chunks) {
		return ""
	}
	return s.src.Chunks[s.pos]
}

func (s *staticStream) Usage() schema.TokenUsage { return s.src.Usage }
func (s *staticStream) Err() error { return s.err }
func (s *staticStream) Close() error { return nil }
