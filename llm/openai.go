package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// openAIClient talks to any OpenAI-protocol endpoint (DeepSeek, DashScope
// compatible mode, OpenAI itself, local servers). Config is swappable at
// runtime, so every request snapshots it under the lock.
type openAIClient struct {
	mu   sync.RWMutex
	cfg  Config
	http *http.Client
}

// NewClient creates an OpenAI-protocol client.
func NewClient(cfg Config) *openAIClient {
	timeout := 60 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &openAIClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ VisionClient = (*openAIClient)(nil)

func (c *openAIClient) UpdateConfig(u ConfigUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.APIKey != "" {
		c.cfg.APIKey = u.APIKey
	}
	if u.BaseURL != "" {
		c.cfg.BaseURL = u.BaseURL
	}
	if u.Model != "" {
		c.cfg.Model = u.Model
	}
}

func (c *openAIClient) snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// apiURL joins the base URL with an API path, adding the /v1 prefix when the
// base does not already carry it (DashScope compatible-mode URLs do).
func apiURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// --- wire types ---

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       json.RawMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type fileUploadResponse struct {
	ID string `json:"id"`
}

// visionMessage is a chat message whose content is a list of parts.
type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// --- chat ---

func withSystem(msgs []Message, system string) []Message {
	if system == "" {
		return msgs
	}
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, Message{Role: "system", Content: system})
	return append(out, msgs...)
}

func (c *openAIClient) Chat(ctx context.Context, msgs []Message, system string, jsonMode bool) (string, error) {
	cfg := c.snapshot()
	raw, err := json.Marshal(withSystem(msgs, system))
	if err != nil {
		return "", err
	}
	return c.chatRaw(ctx, cfg, raw, jsonMode)
}

func (c *openAIClient) chatRaw(ctx context.Context, cfg Config, messages json.RawMessage, jsonMode bool) (string, error) {
	body := chatCompletionRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
	}
	if jsonMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	respBody, err := c.doPost(ctx, cfg, apiURL(cfg.BaseURL, "/chat/completions"), body)
	if err != nil {
		return "", err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) ChatStream(ctx context.Context, msgs []Message, system string, fn func(delta string) error) error {
	cfg := c.snapshot()
	raw, err := json.Marshal(withSystem(msgs, system))
	if err != nil {
		return err
	}

	body := chatCompletionRequest{
		Model:       cfg.Model,
		Messages:    raw,
		Temperature: cfg.Temperature,
		Stream:      true,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL(cfg.BaseURL, "/chat/completions"), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LLM API error %d: %s", resp.StatusCode, string(b))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			if payload == "[DONE]" {
				return nil
			}
			continue
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Providers occasionally interleave keep-alive junk.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// ChatWithFile uploads filePath with purpose "file-extract" and then chats
// with a fileid:// system message so the provider reads the document server
// side. Only long-context endpoints (qwen-long style) support this.
func (c *openAIClient) ChatWithFile(ctx context.Context, msgs []Message, system, filePath string, jsonMode bool) (string, error) {
	cfg := c.snapshot()

	fileID, err := c.uploadFile(ctx, cfg, filePath)
	if err != nil {
		return "", err
	}

	full := make([]Message, 0, len(msgs)+2)
	full = append(full, Message{Role: "system", Content: "fileid://" + fileID})
	if system != "" {
		full = append(full, Message{Role: "system", Content: system})
	}
	full = append(full, msgs...)

	raw, err := json.Marshal(full)
	if err != nil {
		return "", err
	}
	return c.chatRaw(ctx, cfg, raw, jsonMode)
}

func (c *openAIClient) uploadFile(ctx context.Context, cfg Config, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := w.WriteField("purpose", "file-extract"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL(cfg.BaseURL, "/files"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("file upload error %d: %s", resp.StatusCode, string(respBody))
	}

	var up fileUploadResponse
	if err := json.Unmarshal(respBody, &up); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if up.ID == "" {
		return "", fmt.Errorf("upload response has no file id")
	}
	return up.ID, nil
}

// ChatWithImage sends a prompt with one image. Local paths are inlined as
// base64 data URLs; http(s) URLs pass through untouched.
func (c *openAIClient) ChatWithImage(ctx context.Context, prompt, system, image string) (string, error) {
	cfg := c.snapshot()

	url := image
	if !strings.HasPrefix(image, "http://") && !strings.HasPrefix(image, "https://") && !strings.HasPrefix(image, "data:") {
		data, err := os.ReadFile(image)
		if err != nil {
			return "", err
		}
		url = "data:" + imageMIME(image) + ";base64," + base64.StdEncoding.EncodeToString(data)
	}

	msgs := []visionMessage{}
	if system != "" {
		msgs = append(msgs, visionMessage{
			Role:    "system",
			Content: []contentPart{{Type: "text", Text: system}},
		})
	}
	msgs = append(msgs, visionMessage{
		Role: "user",
		Content: []contentPart{
			{Type: "image_url", ImageURL: &imageURL{URL: url}},
			{Type: "text", Text: prompt},
		},
	})

	raw, err := json.Marshal(msgs)
	if err != nil {
		return "", err
	}
	return c.chatRaw(ctx, cfg, raw, false)
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}

// --- embeddings ---

// maxEmbedBatch is the largest input list DashScope accepts per request.
const maxEmbedBatch = 10

func (c *openAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	cfg := c.snapshot()

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(texts) {
			end = len(texts)
		}

		body := embeddingRequest{Model: cfg.Model, Input: texts[start:end]}
		respBody, err := c.doPost(ctx, cfg, apiURL(cfg.BaseURL, "/embeddings"), body)
		if err != nil {
			return nil, err
		}

		var resp embeddingResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("decoding embedding response: %w", err)
		}
		for _, d := range resp.Data {
			if d.Index >= 0 && start+d.Index < len(out) {
				out[start+d.Index] = d.Embedding
			}
		}
	}
	return out, nil
}

// --- transport ---

const (
	maxRetries        = 5
	baseRetryDelay    = time.Second
	minRateLimitDelay = 2500 * time.Millisecond
)

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func (c *openAIClient) doPost(ctx context.Context, cfg Config, url string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			slog.Warn("llm: retrying request",
				"url", url,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request to %s failed: %w", url, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading response body: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return respBody, nil
		}

		lastErr = fmt.Errorf("LLM API error %d: %s", resp.StatusCode, string(respBody))

		if !retryableStatusCode(resp.StatusCode) {
			return nil, lastErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			// Honor Retry-After but never sleep less than the floor, which
			// matches DashScope's observed rate-limit window.
			delay := minRateLimitDelay * time.Duration(1<<attempt)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
					if d := time.Duration(seconds) * time.Second; d > delay {
						delay = d
					}
				}
			}
			slog.Warn("llm: rate limited, waiting before retry",
				"url", url,
				"attempt", attempt+1,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
