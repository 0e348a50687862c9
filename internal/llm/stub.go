package llm

import (
	"context"
	"sync"
)

// StubClient returns scripted responses in order, recording every call.
// Zero value is usable; with no responses it echoes a fixed string.
type StubClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     []StubCall
}

// StubCall captures one Generate invocation.
type StubCall struct {
	Model  string
	Prompt string
}

// Generate pops the next scripted response.
func (s *StubClient) Generate(_ context.Context, model, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, StubCall{Model: model, Prompt: prompt})
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Responses) == 0 {
		return "stub response", nil
	}
	next := s.Responses[0]
	s.Responses = s.Responses[1:]
	return next, nil
}
