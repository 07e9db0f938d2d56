package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Default values for the OpenAI provider.
const (
	defaultOpenAIBaseURL        = "https://api.openai.com/v1"
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOpenAIChatModel      = "gpt-4o-mini"
	defaultOpenAIRetryDelay     = 2 * time.Second
	defaultTranslationMaxTokens = 2048

	// maxEmbeddingInputChars keeps inputs under the model's token limit.
	maxEmbeddingInputChars = 24000
)

// embeddingRequest is the OpenAI Embeddings API request body.
type embeddingRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Dimensions     int    `json:"dimensions,omitempty"`
	EncodingFormat string `json:"encoding_format"`
}

// embeddingResponse is the OpenAI Embeddings API response body.
type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Model string          `json:"model"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// chatRequest represents the OpenAI Chat Completions API request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// chatMessage represents a single message in the chat conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseFormat specifies the output format for the API response.
type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse represents the OpenAI Chat Completions API response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
}

// chatChoice represents a single completion choice.
type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// openAIErrorResponse represents an error response from the OpenAI API.
type openAIErrorResponse struct {
	Error openAIErrorDetail `json:"error"`
}

// openAIErrorDetail contains error details from the OpenAI API.
type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// translationPayload is the JSON document the translation prompt asks for.
type translationPayload struct {
	SourceLanguage string `json:"source_language"`
	Title          string `json:"title"`
	Abstract       string `json:"abstract"`
}

// LatencyRecorder observes embedding API latency. *observability.Metrics satisfies it.
type LatencyRecorder interface {
	RecordEmbeddingRequest(durationSeconds float64)
}

// OpenAIConfig holds the parameters needed to create an OpenAI provider.
// This is defined in the llm package to avoid importing the config package.
type OpenAIConfig struct {
	// APIKey is the API key. Calls fail with domain.ErrNotConfigured when it is empty.
	APIKey string
	// BaseURL is the API base URL (empty means default). Any OpenAI-compatible
	// endpoint works.
	BaseURL string
	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string
	// Dimensions requests shortened embeddings when non-zero.
	Dimensions int
	// ChatModel is the model used for translation.
	ChatModel string
	// RateLimit bounds requests per second; zero means unlimited.
	RateLimit float64
	// Recorder is optional.
	Recorder LatencyRecorder
}

// OpenAIProvider implements Embedder and Translator using the OpenAI HTTP API.
type OpenAIProvider struct {
	httpClient     *http.Client
	apiKey         string
	baseURL        string
	embeddingModel string
	dimensions     int
	chatModel      string
	limiter        *rate.Limiter
	recorder       LatencyRecorder
	maxRetries     int
	retryDelay     time.Duration
}

var (
	_ Embedder   = (*OpenAIProvider)(nil)
	_ Translator = (*OpenAIProvider)(nil)
)

// NewOpenAIProvider creates an OpenAI provider. Transient API errors (429 and 5xx)
// are retried up to maxRetries times with linear backoff.
func NewOpenAIProvider(cfg OpenAIConfig, timeout time.Duration, maxRetries int) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultOpenAIEmbeddingModel
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = defaultOpenAIChatModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &OpenAIProvider{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		embeddingModel: embeddingModel,
		dimensions:     cfg.Dimensions,
		chatModel:      chatModel,
		limiter:        limiter,
		recorder:       cfg.Recorder,
		maxRetries:     maxRetries,
		retryDelay:     defaultOpenAIRetryDelay,
	}
}

// Configured reports whether the provider has credentials.
func (p *OpenAIProvider) Configured() bool {
	return p.apiKey != ""
}

// Model returns the embedding model identifier.
func (p *OpenAIProvider) Model() string {
	return p.embeddingModel
}

// Embed returns the embedding vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Configured() {
		return nil, domain.NewNotConfiguredError("embedding.api_key")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("text", "must not be empty")
	}

	req := embeddingRequest{
		Model:          p.embeddingModel,
		Input:          truncateRunes(text, maxEmbeddingInputChars),
		Dimensions:     p.dimensions,
		EncodingFormat: "float",
	}

	var resp embeddingResponse
	start := time.Now()
	err := p.withRetry(ctx, func() error {
		return p.post(ctx, "/embeddings", req, &resp)
	})
	if p.recorder != nil {
		p.recorder.RecordEmbeddingRequest(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai: empty embedding in response")
	}
	return resp.Data[0].Embedding, nil
}

// Translate translates title and abstract into targetLanguage. Text already in
// the target language comes back with Changed unset.
func (p *OpenAIProvider) Translate(ctx context.Context, in TranslationInput, targetLanguage string) (*TranslationResult, error) {
	if !p.Configured() {
		return nil, domain.NewNotConfiguredError("embedding.api_key")
	}
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Abstract) == "" {
		return &TranslationResult{}, nil
	}

	userPrompt, err := json.Marshal(translationPayload{Title: in.Title, Abstract: in.Abstract})
	if err != nil {
		return nil, fmt.Errorf("openai: failed to marshal translation input: %w", err)
	}

	chatReq := chatRequest{
		Model: p.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: translationPrompt(targetLanguage)},
			{Role: "user", Content: string(userPrompt)},
		},
		Temperature:    0,
		MaxTokens:      defaultTranslationMaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var resp chatResponse
	if err := p.withRetry(ctx, func() error {
		return p.post(ctx, "/chat/completions", chatReq, &resp)
	}); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	var out translationPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("openai: failed to parse translation JSON: %w", err)
	}

	result := &TranslationResult{SourceLanguage: out.SourceLanguage}
	if strings.EqualFold(strings.TrimSpace(out.SourceLanguage), targetLanguage) {
		return result, nil
	}
	result.Title = strings.TrimSpace(out.Title)
	result.Abstract = strings.TrimSpace(out.Abstract)
	result.Changed = result.Title != "" || result.Abstract != ""
	return result, nil
}

func translationPrompt(targetLanguage string) string {
	return "You translate scientific article metadata. The user sends a JSON object with " +
		`"title" and "abstract". Reply with a JSON object with keys "source_language" ` +
		`(English name of the input language), "title" and "abstract" translated into ` +
		targetLanguage + ". Keep technical terms, numbers and statistics unchanged. " +
		"If the input is already in " + targetLanguage + ", return it unchanged."
}

// withRetry runs call, retrying transient errors with linear backoff.
func (p *OpenAIProvider) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("openai: context cancelled during retry wait: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("openai: rate limiter wait: %w", err)
		}

		err := call()
		if err == nil {
			return nil
		}
		if !isTransientError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("openai: exhausted %d retries: %w", p.maxRetries, lastErr)
}

// post sends body as JSON to path and decodes the JSON response into out.
func (p *OpenAIProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("openai: request failed: %w", ctx.Err())
		}
		return &APIError{Provider: "openai", Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("openai: failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseOpenAIAPIError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("openai: failed to unmarshal response: %w", err)
	}
	return nil
}

// parseOpenAIAPIError parses an OpenAI API error from the response status code and body.
func parseOpenAIAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   "openai",
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}
	return apiErr
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
