package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aatumaykin/nexcron/internal/logger"
)

const (
	// DefaultBaseURL is the Z.ai coding endpoint, which speaks the OpenAI
	// chat completions protocol.
	DefaultBaseURL = "https://api.z.ai/api/coding/paas/v4"
	// DefaultModel is used when neither the config nor the request names one.
	DefaultModel = "glm-4.7"
	// DefaultRequestTimeout bounds a non-streaming request.
	DefaultRequestTimeout = 60 * time.Second

	maxErrorBody = 4096
)

// Config contains configuration for the HTTP client.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	TimeoutSeconds    int
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int
}

// Client implements Provider for any OpenAI-compatible endpoint.
type Client struct {
	http    *http.Client
	config  Config
	apiURL  string
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewClient creates a new Client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	return &Client{
		// No client-wide timeout: streams are bounded by the caller's context.
		http:    &http.Client{},
		config:  cfg,
		apiURL:  strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		limiter: NewLimiter(cfg.RequestsPerMinute),
		logger:  log,
	}
}

// DefaultModel returns the configured model.
func (c *Client) DefaultModel() string {
	return c.config.Model
}

// HTTPError is a non-2xx reply from the endpoint. The status code appears in
// the message so retry classification can see it.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error: status=%d, body=%s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

type apiRequest struct {
	Messages      []Message      `json:"messages"`
	Model         string         `json:"model"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type apiChoice struct {
	Index        int        `json:"index"`
	Message      apiMessage `json:"message"`
	Delta        apiMessage `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type apiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   *Usage      `json:"usage,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (e *apiError) err() error {
	return fmt.Errorf("API error: %s (code: %s): %s", e.Type, e.Code, e.Message)
}

func (c *Client) buildRequest(req ChatRequest, stream bool) apiRequest {
	r := apiRequest{
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if r.Model == "" {
		r.Model = c.config.Model
	}
	if r.Temperature == 0 {
		r.Temperature = c.config.Temperature
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = c.config.MaxTokens
	}
	if stream {
		r.Stream = true
		r.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return r
}

// post sends body and returns the response once its status is 2xx.
func (c *Client) post(ctx context.Context, body apiRequest) (*http.Response, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.ErrorCtx(ctx, "failed to execute LLM request", err,
			logger.Field{Key: "url", Value: c.apiURL})
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.ErrorCtx(ctx, "LLM endpoint returned error status", nil,
			logger.Field{Key: "status_code", Value: resp.StatusCode},
			logger.Field{Key: "response_body", Value: string(raw)})
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

// Chat sends a non-streaming chat completion request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	timeout := time.Duration(c.config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := c.buildRequest(req, false)
	c.logger.DebugCtx(ctx, "sending chat request",
		logger.Field{Key: "model", Value: body.Model},
		logger.Field{Key: "messages_count", Value: len(body.Messages)})

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error.err()
	}

	out := &ChatResponse{Model: parsed.Model, FinishReason: FinishReasonError}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
	}
	if len(parsed.Choices) > 0 {
		choice := parsed.Choices[0]
		out.Content = choice.Message.Content
		// GLM models may put the whole answer into reasoning_content.
		if out.Content == "" {
			out.Content = choice.Message.ReasoningContent
		}
		out.FinishReason = FinishReason(choice.FinishReason)
	}
	return out, nil
}

// Stream sends a streaming chat completion request and decodes the server
// sent events. The request lives as long as ctx.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	body := c.buildRequest(req, true)
	c.logger.DebugCtx(ctx, "sending streaming chat request",
		logger.Field{Key: "model", Value: body.Model},
		logger.Field{Key: "messages_count", Value: len(body.Messages)})

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, events)
	}()
	return events, nil
}

func (c *Client) readStream(ctx context.Context, r io.Reader, events chan<- StreamEvent) {
	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			emit(StreamEvent{Done: true})
			return
		}

		var chunk apiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(StreamEvent{Err: fmt.Errorf("failed to decode stream chunk: %w", err)})
			return
		}
		if chunk.Error != nil {
			emit(StreamEvent{Err: chunk.Error.err()})
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(StreamEvent{Delta: choice.Delta.Content}) {
				return
			}
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			if !emit(StreamEvent{Usage: &u}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamEvent{Err: fmt.Errorf("failed to read stream: %w", err)})
		return
	}
	emit(StreamEvent{Err: io.ErrUnexpectedEOF})
}
