package narrative

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	BackendNone   = "none"
	BackendOllama = "ollama"
	BackendGemini = "gemini"

	ollamaDefault = "phi4:latest"
	geminiDefault = "gemini-2.0-flash"
)

type Config struct {
	Backend string
	Model   string
	Host    string
	Timeout time.Duration
}

// New builds the configured generator wrapped in the static fallback.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Fallback, error) {
	var primary Generator
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
	case BackendOllama:
		o, err := NewOllama(cfg)
		if err != nil {
			return nil, err
		}
		primary = o
	case BackendGemini:
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		primary = g
	default:
		return nil, fmt.Errorf("unsupported narrative backend: %s", cfg.Backend)
	}
	return WithFallback(primary, cfg.Timeout, log), nil
}

type Ollama struct {
	client *api.Client
	model  string
}

func NewOllama(cfg Config) (*Ollama, error) {
	var (
		c   *api.Client
		err error
	)
	if cfg.Host != "" {
		u, uerr := url.Parse(cfg.Host)
		if uerr != nil {
			return nil, fmt.Errorf("ollama: bad host %q: %w", cfg.Host, uerr)
		}
		c = api.NewClient(u, http.DefaultClient)
	} else if c, err = api.ClientFromEnvironment(); err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = ollamaDefault
	}
	return &Ollama{client: c, model: model}, nil
}

func (o *Ollama) Generate(ctx context.Context, c Context) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: Prompt(c),
		Stream: &stream,
	}
	var out strings.Builder
	if err := o.client.Generate(ctx, req, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	}); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.String(), nil
}

type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if !strings.HasPrefix(strings.ToLower(model), "gemini-") {
		model = geminiDefault
	}
	return &Gemini{client: c, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, c Context) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(Prompt(c)), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
