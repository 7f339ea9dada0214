package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/promptmaster/internal/provider"
)

// DefaultModel is used when the caller does not pin one.
const DefaultModel = "google/gemini-2.5-flash"

type OpenRouterProvider struct {
	baseURL  string
	model    string
	timeout  time.Duration
	client   *http.Client
	referer  string
	appTitle string
}

type Option func(*OpenRouterProvider)

func WithBaseURL(u string) Option { return func(p *OpenRouterProvider) { p.baseURL = strings.TrimRight(u, "/") } }

func WithModel(model string) Option {
	return func(p *OpenRouterProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithTimeout(d time.Duration) Option { return func(p *OpenRouterProvider) { p.timeout = d } }

func WithHTTPClient(c *http.Client) Option { return func(p *OpenRouterProvider) { p.client = c } }

// WithAttribution sets the optional app attribution headers OpenRouter ranks apps by.
func WithAttribution(referer, title string) Option {
	return func(p *OpenRouterProvider) {
		p.referer = referer
		p.appTitle = title
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

func New(opts ...Option) *OpenRouterProvider {
	p := &OpenRouterProvider{
		baseURL: "https://openrouter.ai/api/v1",
		model:   DefaultModel,
		timeout: provider.DefaultTimeout,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Complete sends one chat completion and returns the first choice. Provider
// rejections are fatal; timeouts and empty answers are transient.
func (p *OpenRouterProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(p.mapRequest(model, req))
	if err != nil {
		return nil, p.fatal(model, 0, err.Error(), err)
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, p.fatal(model, 0, err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", req.APIKey))
	if p.referer != "" {
		httpReq.Header.Set("HTTP-Referer", p.referer)
	}
	if p.appTitle != "" {
		httpReq.Header.Set("X-Title", p.appTitle)
	}

	start := time.Now()
	resp, cancel, err := provider.Do(ctx, p.client, httpReq, p.timeout, p.Name(), model)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.fatal(model, resp.StatusCode, errorMessage(respBody), nil)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.TransportError(ctx, p.Name(), model, err)
	}
	// OpenRouter can report upstream failures inside a 200 body.
	if chatResp.Error != nil {
		return nil, p.fatal(model, resp.StatusCode, chatResp.Error.Message, nil)
	}

	content := ""
	if len(chatResp.Choices) > 0 {
		content = strings.TrimSpace(chatResp.Choices[0].Message.Content)
	}
	if content == "" {
		return nil, &provider.Error{
			Provider: p.Name(),
			Model:    model,
			Kind:     provider.KindTransient,
			Message:  "openrouter api returned no content",
			Err:      provider.ErrEmptyResponse,
		}
	}

	if chatResp.Model != "" {
		model = chatResp.Model
	}
	return &provider.Response{
		ID:           chatResp.ID,
		Content:      content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		Model:        model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenRouterProvider) mapRequest(model string, req *provider.Request) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (p *OpenRouterProvider) fatal(model string, status int, msg string, err error) *provider.Error {
	return &provider.Error{
		Provider:   p.Name(),
		Model:      model,
		Kind:       provider.KindFatal,
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
}

func errorMessage(body []byte) string {
	var env struct {
		Error *chatError `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return string(body)
}

func (p *OpenRouterProvider) Name() string {
	return "openrouter"
}

func (p *OpenRouterProvider) Model() string {
	return p.model
}
