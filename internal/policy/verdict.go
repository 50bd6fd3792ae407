package policy

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
)

var ErrVerdictUnavailable = errors.New("verdict source unavailable")

// VerdictSource classifies a filled prompt template. The returned text is
// expected to be exactly PASS or VIOLATION after trimming.
type VerdictSource interface {
	Verdict(ctx context.Context, text, model string) (string, error)
}

// VerdictFunc adapts a function to VerdictSource.
type VerdictFunc func(ctx context.Context, text, model string) (string, error)

func (f VerdictFunc) Verdict(ctx context.Context, text, model string) (string, error) {
	return f(ctx, text, model)
}

// GeminiSource calls the Generative Language generateContent endpoint.
type GeminiSource struct {
	baseURL      string
	apiKey       string
	defaultModel string
	hc           *http.Client
}

func NewGeminiSource(baseURL, apiKey, defaultModel string, timeout time.Duration) *GeminiSource {
	return &GeminiSource{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		hc:           &http.Client{Timeout: timeout},
	}
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiSource) Verdict(ctx context.Context, text, model string) (string, error) {
	if g.apiKey == "" {
		return "", fmt.Errorf("%w: no api key configured", ErrVerdictUnavailable)
	}
	if model == "" {
		model = g.defaultModel
	}
	body, _ := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: text}}}},
		GenerationConfig: map[string]any{"temperature": 0, "maxOutputTokens": 8},
	})
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, url.PathEscape(model), url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerdictUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.hc.Do(req)
	if err != nil {
		// url.Error would echo the key-bearing URL
		return "", fmt.Errorf("%w: request failed", ErrVerdictUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrVerdictUnavailable, resp.StatusCode)
	}
	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrVerdictUnavailable, err)
	}
	if len(out.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
