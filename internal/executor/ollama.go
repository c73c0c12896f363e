package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

// OllamaRunner runs tasks as a single streamed chat against an Ollama server.
// It cannot edit files itself, so changed files come only from change tracking.
type OllamaRunner struct {
	Host  string // Empty uses OLLAMA_HOST or the default local server
	Model string // Overrides the tier profile model when set
}

// Open implements Runner
func (r *OllamaRunner) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	client, err := r.client()
	if err != nil {
		return nil, err
	}
	model := r.Model
	if model == "" {
		model = opts.Profile.Model
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &ollamaSession{client: client, model: model, opts: opts, ctx: sctx, cancel: cancel}, nil
}

func (r *OllamaRunner) client() (*api.Client, error) {
	if r.Host == "" {
		return api.ClientFromEnvironment()
	}
	base, err := url.Parse(r.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host: %w", err)
	}
	return api.NewClient(base, http.DefaultClient), nil
}

type ollamaSession struct {
	client *api.Client
	model  string
	opts   SessionOptions

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *ollamaSession) Prompt(ctx context.Context, prompt string, onDelta DeltaFunc) (RunStats, error) {
	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()

	var messages []api.Message
	if s.opts.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: s.opts.SystemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	stream := true
	req := &api.ChatRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   &stream,
	}

	var usage domain.Usage
	err := s.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" && onDelta != nil {
			onDelta(resp.Message.Content)
		}
		if resp.Done {
			usage.InputTokens = resp.Metrics.PromptEvalCount
			usage.OutputTokens = resp.Metrics.EvalCount
		}
		return nil
	})
	if err != nil {
		return RunStats{Usage: usage}, fmt.Errorf("ollama chat: %w", err)
	}
	return RunStats{Usage: usage}, nil
}

func (s *ollamaSession) Abort() { s.once.Do(s.cancel) }

func (s *ollamaSession) Close() error {
	s.once.Do(s.cancel)
	return nil
}
