// Package gemini starts chat sessions against Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

var (
	// ErrMissingAPIKey is returned when no credential was configured.
	ErrMissingAPIKey = errors.New("gemini: api key is required")
	// ErrNoCandidates is returned when the model produced no candidates.
	ErrNoCandidates = errors.New("gemini: response has no candidates")
	// ErrEmptyContent is returned when the first candidate carries no text.
	ErrEmptyContent = errors.New("gemini: response has no text content")
)

// Config holds the fixed settings every chat session starts with.
type Config struct {
	APIKey            string
	Model             string
	MaxOutputTokens   int32
	SystemInstruction string
	// Endpoint overrides the API endpoint, mostly for proxies.
	Endpoint string
}

// Client owns the API connection shared by all chat sessions.
type Client struct {
	client *genai.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient connects to the Gemini API.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("gemini: model is required")
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	logger.Info("Gemini client ready", "model", cfg.Model, "max_output_tokens", cfg.MaxOutputTokens)
	return &Client{client: client, cfg: cfg, logger: logger}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

// StartChat opens a new conversation with empty history, the configured
// output limit and the system instruction. No request is made until the
// first SendMessage.
func (c *Client) StartChat(_ context.Context) (*Session, error) {
	model := c.client.GenerativeModel(c.cfg.Model)
	if c.cfg.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(c.cfg.MaxOutputTokens)
	}
	if strings.TrimSpace(c.cfg.SystemInstruction) != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(c.cfg.SystemInstruction))
	}

	cs := model.StartChat()
	cs.History = []*genai.Content{}
	return &Session{chat: cs}, nil
}

// Close releases the API connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("gemini: close client: %w", err)
	}
	return nil
}
