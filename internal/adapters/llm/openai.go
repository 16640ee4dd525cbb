package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const finishContentFilter = "content_filter"

// OpenAI talks to any OpenAI-compatible chat and embeddings endpoint.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	client     *http.Client
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*OpenAI)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) {
		if c != nil {
			o.client = c
		}
	}
}

// WithEmbedModel sets the embeddings model (default text-embedding-3-small).
func WithEmbedModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		if model != "" {
			o.embedModel = model
		}
	}
}

// NewOpenAI creates a client. baseURL includes the version segment, e.g.
// https://api.openai.com/v1. Per-attempt timeouts come from the caller's context.
func NewOpenAI(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		embedModel: "text-embedding-3-small",
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate sends the assembled request to /chat/completions.
func (o *OpenAI) Generate(ctx context.Context, call Call) (string, error) {
	msgs := make([]chatMessage, len(call.Request.Messages))
	for i, m := range call.Request.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	var out chatResponse
	if err := o.post(ctx, "/chat/completions", chatRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: call.Request.Temperature,
	}, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := out.Choices[0]
	if choice.FinishReason == finishContentFilter {
		return "", fmt.Errorf("%w: finish reason %s", ErrContentBlocked, choice.FinishReason)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed calls /embeddings once for the whole batch.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out embedResponse
	if err := o.post(ctx, "/embeddings", embedRequest{Model: o.embedModel, Input: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %d embeddings for %d inputs", ErrEmptyResponse, len(out.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d", ErrUpstream, d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vecs[d.Index] = v
	}
	return vecs, nil
}

func (o *OpenAI) post(ctx context.Context, path string, body, out any) error {
	if o.apiKey == "" {
		return ErrNoAPIKey
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	return nil
}

func classifyTransport(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

func classifyStatus(status int, raw []byte) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, status)
	case ae.Error.Code == finishContentFilter || ae.Error.Code == "content_policy_violation":
		return fmt.Errorf("%w: %s", ErrContentBlocked, msg)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, status, msg)
	default:
		return fmt.Errorf("model request rejected: status %d: %s", status, msg)
	}
}
