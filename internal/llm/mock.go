package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockMode defines the operation mode of the mock provider.
type MockMode int

const (
	// MockModeEcho returns the user's message (echo mode)
	MockModeEcho MockMode = iota

	// MockModeFixed returns a fixed response
	MockModeFixed

	// MockModeFixtures returns pre-defined responses in rotation
	MockModeFixtures

	// MockModeError always returns an error
	MockModeError
)

// MockConfig holds configuration for the mock provider.
type MockConfig struct {
	Mode      MockMode
	Responses []string      // Pre-defined responses (for Fixed/Fixtures modes)
	Delay     time.Duration // Simulated latency before the reply starts
}

// MockProvider is an offline Provider. It backs the "mock" provider setting
// and tests.
type MockProvider struct {
	mu            sync.Mutex
	mode          MockMode
	responses     []string
	responseIndex int
	delay         time.Duration
	calls         []ChatRequest
}

// NewMockProvider creates a new mock LLM provider.
func NewMockProvider(cfg MockConfig) *MockProvider {
	return &MockProvider{
		mode:      cfg.Mode,
		responses: cfg.Responses,
		delay:     cfg.Delay,
	}
}

// NewEchoProvider creates a mock provider that echoes user messages.
func NewEchoProvider() *MockProvider {
	return NewMockProvider(MockConfig{Mode: MockModeEcho})
}

// NewFixedProvider creates a mock provider that always returns response.
func NewFixedProvider(response string) *MockProvider {
	return NewMockProvider(MockConfig{Mode: MockModeFixed, Responses: []string{response}})
}

// NewFixturesProvider creates a mock provider that cycles through responses.
func NewFixturesProvider(responses []string) *MockProvider {
	return NewMockProvider(MockConfig{Mode: MockModeFixtures, Responses: responses})
}

// NewErrorProvider creates a mock provider that always fails.
func NewErrorProvider() *MockProvider {
	return NewMockProvider(MockConfig{Mode: MockModeError})
}

func (m *MockProvider) reply(req ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	var userMessage string
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == RoleUser {
		userMessage = req.Messages[n-1].Content
	}

	switch m.mode {
	case MockModeError:
		return "", fmt.Errorf("mock provider error")
	case MockModeEcho:
		if userMessage == "" {
			return "Echo: (no user message)", nil
		}
		return "Echo: " + userMessage, nil
	case MockModeFixed:
		if len(m.responses) == 0 {
			return "Fixed response: no responses configured", nil
		}
		return m.responses[0], nil
	case MockModeFixtures:
		if len(m.responses) == 0 {
			return "Fixtures: no responses configured", nil
		}
		r := m.responses[m.responseIndex]
		m.responseIndex = (m.responseIndex + 1) % len(m.responses)
		return r, nil
	}
	return "Unknown mock mode", nil
}

func (m *MockProvider) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mockUsage(req ChatRequest, response string) Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(strings.Fields(msg.Content))
	}
	completion := len(strings.Fields(response))
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// Chat implements the Provider interface.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	response, err := m.reply(req)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content:      response,
		Model:        m.model(req),
		FinishReason: FinishReasonStop,
		Usage:        mockUsage(req, response),
	}, nil
}

// Stream implements the Provider interface. The reply is split into
// word-sized deltas followed by a usage event.
func (m *MockProvider) Stream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	response, err := m.reply(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		if err := m.wait(ctx); err != nil {
			select {
			case events <- StreamEvent{Err: err}:
			default:
			}
			return
		}
		words := strings.SplitAfter(response, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case events <- StreamEvent{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
		usage := mockUsage(req, response)
		for _, ev := range []StreamEvent{{Usage: &usage}, {Done: true}} {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (m *MockProvider) model(req ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return m.DefaultModel()
}

// DefaultModel implements the Provider interface.
func (m *MockProvider) DefaultModel() string {
	return "mock-model"
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}
