package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/promptmaster/internal/provider"
)

const (
	// KeyPrefix is the prefix every Google AI Studio key carries.
	KeyPrefix = "AIza"

	maxOutputTokens = 8192
)

// DefaultModels are tried in order, fastest and cheapest first.
var DefaultModels = []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}

// quotaMarkers are matched case-insensitively when the error body is not structured.
var quotaMarkers = []string{"quota", "resource_exhausted", "free_tier", "quota exceeded"}

type GeminiProvider struct {
	baseURL string
	models  []string
	timeout time.Duration
	client  *http.Client
	log     log.FieldLogger
}

type Option func(*GeminiProvider)

func WithBaseURL(u string) Option { return func(p *GeminiProvider) { p.baseURL = strings.TrimRight(u, "/") } }

func WithModels(models ...string) Option {
	return func(p *GeminiProvider) {
		if len(models) > 0 {
			p.models = append([]string(nil), models...)
		}
	}
}

func WithTimeout(d time.Duration) Option { return func(p *GeminiProvider) { p.timeout = d } }

func WithHTTPClient(c *http.Client) Option { return func(p *GeminiProvider) { p.client = c } }

func WithLogger(l log.FieldLogger) Option { return func(p *GeminiProvider) { p.log = l } }

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ResponseID    string              `json:"responseId"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(opts ...Option) *GeminiProvider {
	p := &GeminiProvider{
		baseURL: "https://generativelanguage.googleapis.com",
		models:  DefaultModels,
		timeout: provider.DefaultTimeout,
		client:  http.DefaultClient,
		log:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Complete walks the model list. A quota failure moves on to the next model;
// any other failure ends the walk, since a sibling model would fail the same way.
func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	models := p.models
	if req.Model != "" {
		models = []string{req.Model}
	}

	var lastErr error
	for i, model := range models {
		resp, err := p.completeModel(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := provider.KindOf(err)
		if ctx.Err() != nil || kind != provider.KindQuotaExceeded {
			return nil, err
		}
		if i < len(models)-1 {
			p.log.WithFields(log.Fields{
				"model": model,
				"next":  models[i+1],
			}).Warn("gemini: quota exhausted, trying next model")
		}
	}
	return nil, lastErr
}

func (p *GeminiProvider) completeModel(ctx context.Context, model string, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, &provider.Error{Provider: p.Name(), Model: model, Kind: provider.KindFatal, Message: err.Error(), Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, &provider.Error{Provider: p.Name(), Model: model, Kind: provider.KindFatal, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	start := time.Now()
	resp, cancel, err := provider.Do(ctx, p.client, httpReq, p.timeout, p.Name(), model)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.classify(model, resp.StatusCode, respBody)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.TransportError(ctx, p.Name(), model, err)
	}

	text := candidateText(geminiResp)
	if strings.TrimSpace(text) == "" {
		return nil, &provider.Error{
			Provider: p.Name(),
			Model:    model,
			Kind:     provider.KindTransient,
			Message:  "gemini api returned no text",
			Err:      provider.ErrEmptyResponse,
		}
	}

	return &provider.Response{
		ID:           geminiResp.ResponseID,
		Content:      text,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// classify prefers the structured error status and falls back to matching
// known quota phrases in the raw body.
func (p *GeminiProvider) classify(model string, status int, body []byte) error {
	perr := &provider.Error{
		Provider:   p.Name(),
		Model:      model,
		StatusCode: status,
		Kind:       provider.StatusKind(status),
		Message:    string(body),
	}

	var env geminiErrorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Status != "" {
		perr.Message = env.Error.Message
		if env.Error.Status == "RESOURCE_EXHAUSTED" {
			perr.Kind = provider.KindQuotaExceeded
		}
		return perr
	}

	if isQuotaMessage(string(body)) {
		perr.Kind = provider.KindQuotaExceeded
	}
	return perr
}

func isQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func candidateText(resp geminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var system []string
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	gr := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: clampInt(req.MaxTokens, 1, maxOutputTokens),
			Temperature:     clampFloat(req.Temperature, 0, 1),
		},
	}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	return gr
}

// ValidKey reports whether key looks like a Gemini API key.
func ValidKey(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), KeyPrefix)
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Models() []string {
	return append([]string(nil), p.models...)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampFloat(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
