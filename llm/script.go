package llm

import (
	"context"
	"fmt"
	"sync"
)

// Script is a Service that replays a fixed list of responses in order.
// Planner tests and offline dry runs use it in place of a live provider.
type Script struct {
	mu        sync.Mutex
	responses []string
	calls     int
	prompts   [][]Message
}

// NewScript builds a scripted service from the given responses.
func NewScript(responses ...string) *Script {
	return &Script{responses: responses}
}

// Chat returns the next scripted response. It fails once the script runs out.
func (s *Script) Chat(ctx context.Context, messages []Message) (string, *CallStats, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Message, len(messages))
	copy(copied, messages)
	s.prompts = append(s.prompts, copied)
	if s.calls >= len(s.responses) {
		return "", nil, fmt.Errorf("llm: script exhausted after %d calls", s.calls)
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, &CallStats{TotalTokens: len(resp)}, nil
}

// Calls reports how many chat calls were made.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Prompt returns the messages of the n-th call.
func (s *Script) Prompt(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.prompts) {
		return nil
	}
	return s.prompts[n]
}
