package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ai-web-chat-demo/backend/pkg/config"
	"ai-web-chat-demo/backend/pkg/logger"
	"ai-web-chat-demo/backend/pkg/resilience"
	"ai-web-chat-demo/backend/pkg/secrets"
)

// Client calls the upstream chat completion API (Dify-style /chat-messages
// endpoint). It supports the streaming mode the reconciliation engine targets
// and a blocking mode for non-streaming collaborators.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *resilience.CircuitBreaker
	reader     *StreamReader
	log        *logger.Logger
}

// ClientOptions carries the explicit connection parameters for an upstream
// client, for callers that resolve configuration themselves.
type ClientOptions struct {
	BaseURL string
	APIKey  string
}

// NewClient creates an upstream client from application configuration.
// The API key is resolved through the secrets manager with the configured
// value as fallback.
func NewClient(log *logger.Logger) (*Client, error) {
	cfg := config.Get()
	if cfg.Upstream.BaseURL == "" {
		return nil, errors.New("upstream chat API URL is required (CHAT_API_URL)")
	}

	apiKey := secrets.GetSecretWithDefault(context.Background(), "chat-api-key", cfg.Upstream.APIKey)
	if apiKey == "" {
		return nil, errors.New("upstream chat API key is required (CHAT_API_KEY)")
	}

	return NewClientWithOptions(ClientOptions{BaseURL: cfg.Upstream.BaseURL, APIKey: apiKey}, log), nil
}

// NewClientWithOptions creates an upstream client with explicit options.
func NewClientWithOptions(opts ClientOptions, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 0}, // per-request deadlines come from the context
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("chat-upstream"), log),
		reader:     NewStreamReader(log),
		log:        log,
	}
}

// StreamMessage issues a streaming completion request and forwards each answer
// increment to onChunk in arrival order. No retry is attempted at this layer.
func (c *Client) StreamMessage(ctx context.Context, req CompletionRequest, onChunk func(string)) (CompletionResult, error) {
	resp, err := c.open(ctx, req, "streaming")
	if err != nil {
		return CompletionResult{}, err
	}
	defer resp.Body.Close()

	fullAnswer, conversationID, err := c.reader.Read(ctx, resp.Body, onChunk)
	if err != nil {
		return CompletionResult{Message: fullAnswer, ConversationID: conversationID}, err
	}
	if conversationID == "" {
		conversationID = req.ConversationID
	}

	return CompletionResult{Message: fullAnswer, ConversationID: conversationID}, nil
}

// SendMessage is the blocking variant: the whole answer arrives as one JSON body.
func (c *Client) SendMessage(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	resp, err := c.open(ctx, req, "blocking")
	if err != nil {
		return CompletionResult{}, err
	}
	defer resp.Body.Close()

	var body struct {
		Answer         string `json:"answer"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CompletionResult{}, &TransportError{Reason: fmt.Sprintf("decoding response: %v", err)}
	}
	if body.ConversationID == "" {
		body.ConversationID = req.ConversationID
	}

	return CompletionResult{Message: body.Answer, ConversationID: body.ConversationID}, nil
}

// open performs the POST and returns the response with a verified 2xx status.
// The call passes through the circuit breaker so a dead upstream fails fast.
func (c *Client) open(ctx context.Context, req CompletionRequest, mode string) (*http.Response, error) {
	requestBody := chatMessagesRequest{
		Inputs:         map[string]interface{}{},
		Query:          req.Query,
		ResponseMode:   mode,
		User:           "user-" + req.ChatID,
		Files:          []interface{}{},
		ConversationID: req.ConversationID,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat-messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	var resp *http.Response
	execErr := c.breaker.Execute(func() error {
		start := time.Now()
		r, doErr := c.httpClient.Do(httpReq)
		if doErr != nil {
			if errors.Is(doErr, context.Canceled) || errors.Is(doErr, context.DeadlineExceeded) {
				return doErr
			}
			return &TransportError{Reason: doErr.Error()}
		}

		if r.StatusCode < 200 || r.StatusCode >= 300 {
			errText, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			return &TransportError{StatusCode: r.StatusCode, Reason: string(errText)}
		}

		c.log.Debug("Upstream stream opened",
			"chat_id", req.ChatID,
			"mode", mode,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		resp = r
		return nil
	})
	if execErr != nil {
		if errors.Is(execErr, resilience.ErrCircuitOpen) {
			return nil, &TransportError{Reason: "upstream temporarily unavailable"}
		}
		return nil, execErr
	}

	return resp, nil
}
