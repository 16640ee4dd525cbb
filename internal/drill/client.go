package drill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// client talks to the session API.
type client struct {
	http    *http.Client
	baseURL string
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
}

type started struct {
	SessionID string `json:"session_id"`
}

type banner struct {
	Severity string   `json:"severity"`
	Rules    []string `json:"rules"`
}

type turnResult struct {
	TurnIndex        int     `json:"turn_index"`
	PatientUtterance string  `json:"patient_utterance"`
	RiskBanner       *banner `json:"risk_banner"`
	Ended            bool    `json:"ended"`
}

type domainScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	Max   float64 `json:"max"`
}

type report struct {
	SessionID  string        `json:"session_id"`
	FinalState string        `json:"final_state"`
	Domains    []domainScore `json:"domains"`
	Overall    float64       `json:"overall"`
	OverallMax float64       `json:"overall_max"`
	Flags      []string      `json:"flags"`
}

func (c *client) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *client) start(ctx context.Context, caseID string) (started, error) {
	var out started
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]string{"case_id": caseID}, nil, &out)
	return out, err
}

// say submits an utterance with a fresh idempotency key, retrying once with
// the same key when the transport fails.
func (c *client) say(ctx context.Context, sessionID, text string) (turnResult, error) {
	var out turnResult
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	body := map[string]string{"text": text}
	path := "/sessions/" + sessionID + "/utterances"
	err := c.do(ctx, http.MethodPost, path, body, headers, &out)
	var apiErr *apiError
	if err != nil && !errors.As(err, &apiErr) && ctx.Err() == nil {
		err = c.do(ctx, http.MethodPost, path, body, headers, &out)
	}
	return out, err
}

func (c *client) end(ctx context.Context, sessionID string) (report, error) {
	var out report
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/end", nil, nil, &out)
	return out, err
}

func (c *client) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
