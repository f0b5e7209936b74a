package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a test double for the LLM Client interface. Responses are
// served from Handler when set, otherwise from the Responses queue, and
// finally from Response. Safe for concurrent use.
type MockClient struct {
	Response  *Response
	Responses []string
	Handler   func(prompt string) (string, error)
	Err       error

	mu    sync.Mutex
	Calls []string // records prompts sent
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, prompt)
	var next *string
	if m.Handler == nil && len(m.Responses) > 0 {
		s := m.Responses[0]
		m.Responses = m.Responses[1:]
		next = &s
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Handler != nil {
		out, err := m.Handler(prompt)
		if err != nil {
			return nil, err
		}
		return &Response{Content: out, Provider: "mock"}, nil
	}
	if next != nil {
		return &Response{Content: *next, Provider: "mock"}, nil
	}
	if m.Response != nil {
		return m.Response, nil
	}
	return nil, fmt.Errorf("mock: no response scripted for call %d", m.CallCount())
}

// CallCount returns how many prompts were sent.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Prompts returns a copy of the recorded prompts.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}
