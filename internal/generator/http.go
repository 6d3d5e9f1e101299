package generator

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

const maxResponseBytes = 1 << 20

// HTTPDoer is the subset of *http.Client used by HTTPProvider.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPProvider calls a text-generation inference endpoint that accepts
// {"inputs", "parameters"} and answers with generated_text.
type HTTPProvider struct {
	client   HTTPDoer
	endpoint string
	token    string
}

// NewHTTP builds a provider for endpoint. A nil client uses a plain
// http.Client; timeouts come from the caller's context.
func NewHTTP(client HTTPDoer, endpoint, token string) (*HTTPProvider, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("http generator: endpoint required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{client: client, endpoint: endpoint, token: token}, nil
}

func (p *HTTPProvider) Name() string { return "http" }

type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
}

type inferenceParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	ReturnFullText bool    `json:"return_full_text"`
}

type inferenceOutput struct {
	GeneratedText string `json:"generated_text"`
	Error         string `json:"error,omitempty"`
}

// Generate posts the prompt to the inference endpoint.
func (p *HTTPProvider) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	payload, err := json.Marshal(inferenceRequest{
		Inputs: prompt,
		Parameters: inferenceParameters{
			MaxNewTokens: params.MaxTokens,
			Temperature:  params.Temperature,
			TopP:         params.TopP,
		},
	})
	if err != nil {
		return "", fmt.Errorf("http generator encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("http generator request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http generator request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return "", Transient(fmt.Errorf("http generator read: %w", err))
	}
	if closeErr != nil {
		return "", fmt.Errorf("http generator close: %w", closeErr)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if resp.StatusCode == http.StatusTooManyRequests || (!ok && mentionsRateLimit(body)) {
		return "", fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	}
	if !ok {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return decodeGeneratedText(body)
}

// Stream delivers the complete generation as a single fragment; the
// inference endpoint does not stream.
func (p *HTTPProvider) Stream(ctx context.Context, prompt string, params Params, fn func(string) error) error {
	text, err := p.Generate(ctx, prompt, params)
	if err != nil {
		return err
	}
	return fn(text)
}

func decodeGeneratedText(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.New("http generator: empty response")
	}
	if trimmed[0] == '[' {
		var list []inferenceOutput
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return "", fmt.Errorf("http generator decode: %w", err)
		}
		if len(list) == 0 {
			return "", errors.New("http generator: empty result list")
		}
		return list[0].GeneratedText, nil
	}
	var single inferenceOutput
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return "", fmt.Errorf("http generator decode: %w", err)
	}
	if single.Error != "" {
		return "", fmt.Errorf("http generator: %s", single.Error)
	}
	return single.GeneratedText, nil
}

func mentionsRateLimit(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too_many_requests")
}
