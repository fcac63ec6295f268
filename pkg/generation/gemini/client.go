// Package gemini implements generation.Generator against the Gemini
// generateContent REST endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-go-golems/lunabot/pkg/chat"
	"github.com/go-go-golems/lunabot/pkg/generation"
)

const (
	DefaultModel   = "gemini-2.0-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// DefaultMaxResponseBytes caps how much of a response body is read.
	DefaultMaxResponseBytes int64 = 8 << 20
)

type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout bounds a single call. Zero leaves the call unbounded.
	Timeout time.Duration
	// MaxResponseBytes caps the response body; zero uses
	// DefaultMaxResponseBytes.
	MaxResponseBytes int64
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

type Client struct {
	apiKey  string
	model   string
	baseURL string
	timeout time.Duration
	maxBody int64
	http    *http.Client
}

var _ generation.Generator = (*Client)(nil)

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Client{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: baseURL,
		timeout: opts.Timeout,
		maxBody: maxBody,
		http: &http.Client{Transport: otelhttp.NewTransport(base,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) endpoint() string {
	return c.baseURL + "/v1beta/models/" + c.model + ":generateContent"
}

// Generate sends the whole transcript and returns the first candidate's
// text. Every failure is returned as *generation.GenerationFailure.
func (c *Client) Generate(ctx context.Context, turns []chat.Turn) (string, error) {
	ctx, span := tracer.Start(ctx, "gemini generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.Int("request.turns", len(turns)),
	)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, status, err := c.do(ctx, turns)
	if status > 0 {
		span.SetAttributes(attribute.Int("response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", generation.Fail(c.model, status, err)
	}
	span.SetAttributes(attribute.Int("response.length", len(text)))
	return text, nil
}

func (c *Client) do(ctx context.Context, turns []chat.Turn) (string, int, error) {
	reqBytes, err := json.Marshal(requestBody{Contents: toContents(turns)})
	if err != nil {
		return "", 0, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(reqBytes))
	if err != nil {
		return "", 0, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return "", resp.StatusCode, errors.Wrap(err, "read response body")
	}
	if int64(len(body)) > c.maxBody {
		return "", resp.StatusCode, errors.Errorf("response body exceeds %d bytes", c.maxBody)
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error.Message != "" {
			return "", resp.StatusCode, errors.Errorf("upstream %s: %s", resp.Status, eb.Error.Message)
		}
		return "", resp.StatusCode, errors.Errorf("upstream %s", resp.Status)
	}

	var rb responseBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return "", resp.StatusCode, errors.Wrap(err, "decode response body")
	}
	if rb.PromptFeedback != nil && rb.PromptFeedback.BlockReason != "" {
		return "", resp.StatusCode, errors.Errorf("prompt blocked: %s", rb.PromptFeedback.BlockReason)
	}
	if len(rb.Candidates) == 0 {
		return "", resp.StatusCode, errors.New("response has no candidates")
	}

	var sb strings.Builder
	for _, p := range rb.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if u := rb.UsageMetadata; u != nil {
		log.Debug().
			Str("component", "gemini").
			Int("prompt_tokens", u.PromptTokenCount).
			Int("candidate_tokens", u.CandidatesTokenCount).
			Int("total_tokens", u.TotalTokenCount).
			Msg("generation usage")
	}
	return sb.String(), resp.StatusCode, nil
}
