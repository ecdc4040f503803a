package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"

type AnthropicClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewAnthropicClient(baseURL, apiKey string) *AnthropicClient {
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &AnthropicClient{http: &http.Client{}, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicMsgReq struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Temperature float64        `json:"temperature"`
	Messages    []anthropicMsg `json:"messages"`
}

type anthropicMsgResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Do(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, errors.New("missing inference API key")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	system := req.SystemPrompt
	if req.JSONOutput {
		system += "\n\nRespond with a single JSON object and nothing else."
	}

	var blocks []anthropicBlock
	if req.ImageBase64 != "" {
		blocks = append(blocks, anthropicBlock{
			Type:   "image",
			Source: &anthropicSource{Type: "base64", MediaType: req.ImageMIME, Data: req.ImageBase64},
		})
	}
	blocks = append(blocks, anthropicBlock{Type: "text", Text: req.UserText})

	payload := anthropicMsgReq{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.TrimSpace(system),
		Temperature: req.Temperature,
		Messages:    []anthropicMsg{{Role: "user", Content: blocks}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &HTTPError{StatusCode: resp.StatusCode, Body: snippet(b), Provider: c.Name()}
	}
	var r anthropicMsgResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, fmt.Errorf("decode response: %w: %w", ErrMalformedReply, err)
	}
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, fmt.Errorf("no content: %w", ErrMalformedReply)
	}
	return Response{Text: sb.String(), TokensIn: r.Usage.InputTokens, TokensOut: r.Usage.OutputTokens}, nil
}

// New selects a client by provider name.
func New(provider, baseURL, apiKey string, headers map[string]string) (Client, error) {
	switch strings.ToLower(provider) {
	case "", "openai", "openrouter":
		return NewOpenAIClient(baseURL, apiKey, headers), nil
	case "anthropic":
		return NewAnthropicClient(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", provider)
	}
}
