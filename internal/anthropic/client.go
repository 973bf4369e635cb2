package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orcascore/engine/internal/egress"
	"orcascore/engine/internal/llm"
)

const defaultBaseURL = "https://api.anthropic.com"
const defaultVersion = "2023-06-01"
const defaultTimeout = 120 * time.Second

type authStyle int

const (
	authAPIKey authStyle = iota
	authBearer
)

// Client implements the Anthropic Messages API, either against Anthropic
// directly or through a LiteLLM-style gateway that speaks the same wire
// format behind bearer authentication.
type Client struct {
	baseURL string
	apiKey  string
	auth    authStyle
	client  *http.Client
}

func NewClient(apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic API key cannot be empty: %w", llm.ErrNotConfigured)
	}
	transport := egress.NewPolicy("api.anthropic.com").Transport(http.DefaultTransport)
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		auth:    authAPIKey,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: transport,
		},
	}, nil
}

// NewGatewayClient targets <baseURL>/v1/messages with bearer auth. Only the
// configured host is reachable; plain HTTP is admitted for loopback gateways.
func NewGatewayClient(baseURL, apiKey string) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("gateway base URL cannot be empty: %w", llm.ErrNotConfigured)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gateway API key cannot be empty: %w", llm.ErrNotConfigured)
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", baseURL)
	}
	policy := egress.NewPolicy(parsed.Hostname())
	policy.LoopbackHTTP = true
	transport := policy.Transport(http.DefaultTransport)
	return &Client{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		apiKey:  apiKey,
		auth:    authBearer,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: transport,
		},
	}, nil
}

func (c *Client) CreateMessage(ctx context.Context, req llm.Request) (llm.Response, error) {
	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		return llm.Response{}, err
	}
	respBody, err := c.post(ctx, body)
	if err != nil {
		return llm.Response{}, err
	}
	var response llm.Response
	if err := json.Unmarshal(respBody, &response); err != nil {
		return llm.Response{}, fmt.Errorf("anthropic decode response: %w", err)
	}
	if len(response.Content) == 0 && response.StopReason == "" {
		return llm.Response{}, errors.New("anthropic empty response")
	}
	return response, nil
}

// TestConnection sends the smallest possible request to verify the
// endpoint and credentials.
func (c *Client) TestConnection(ctx context.Context, model string) error {
	_, err := c.CreateMessage(ctx, llm.Request{
		Model:     model,
		MaxTokens: 10,
		Messages:  []llm.Message{llm.UserText("Hi")},
	})
	return err
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	switch c.auth {
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	default:
		req.Header.Set("x-api-key", c.apiKey)
	}
	req.Header.Set("anthropic-version", defaultVersion)
	req.Header.Set("content-type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic error: %w", llm.NewStatusError(resp.StatusCode, strings.TrimSpace(string(errorBody))))
	}
	return io.ReadAll(resp.Body)
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []llm.Message `json:"messages"`
	Tools     []llm.Tool    `json:"tools,omitempty"`
}

func toAnthropicRequest(req llm.Request) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	messages := make([]llm.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if len(msg.Content) == 0 {
			continue
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Content})
	}
	return anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    strings.TrimSpace(req.System),
		Messages:  messages,
		Tools:     req.Tools,
	}
}
