// Package llm wraps OpenAI-protocol chat providers: synchronous chat,
// streaming chat, JSON-mode chat, file-upload chat for long-context models,
// vision messages, and embeddings. Credentials are hot-swappable.
package llm

import "context"

// Message is a single chat turn in the standard role/content form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the contract the pipeline consumes.
type Client interface {
	// Chat sends a chat completion request. When jsonMode is set the
	// provider is asked for strict-JSON output.
	Chat(ctx context.Context, msgs []Message, system string, jsonMode bool) (string, error)

	// ChatStream streams the completion, invoking fn once per delta.
	// A non-nil error from fn aborts the stream.
	ChatStream(ctx context.Context, msgs []Message, system string, fn func(delta string) error) error

	// ChatWithFile uploads a local file to the provider and chats against
	// it using the provider's file-reference protocol.
	ChatWithFile(ctx context.Context, msgs []Message, system, filePath string, jsonMode bool) (string, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// UpdateConfig swaps credentials in place. Empty fields keep their
	// current value.
	UpdateConfig(u ConfigUpdate)
}

// VisionClient extends Client with image understanding.
type VisionClient interface {
	Client

	// ChatWithImage sends a prompt alongside a local image or image URL.
	ChatWithImage(ctx context.Context, prompt, system, image string) (string, error)
}

// Config configures one provider endpoint.
type Config struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`

	// Temperature for completions. The generation agents run at 0.
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// TimeoutSeconds bounds a single request. Defaults to 60.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// ConfigUpdate carries a hot credential swap.
type ConfigUpdate struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"apiUrl"`
	Model   string `json:"modelName"`
}
