// Ollama-backed implementation of the NLP capability.
//
// Entity extraction prompts a local model for a JSON list of entities;
// embeddings use the Ollama embeddings endpoint. The client is dropped on
// Release and rebuilt lazily on the next call, so an idle-reclaimed
// capability costs one reconnect, not a failure.
package nlp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ollama/ollama/api"
)

const entityPrompt = `Extract the named entities and key topics from the text below.
Respond with ONLY a JSON array of objects with "text" and "confidence" (0.0-1.0) fields.

Text:
%s`

// OllamaConfig configures the Ollama-backed capability.
type OllamaConfig struct {
	// Host is the Ollama server URL (default http://localhost:11434).
	Host string
	// Model is the generation model used for entity extraction.
	Model string
	// EmbedModel is the embedding model (default: Model).
	EmbedModel string
	// Timeout bounds a single model call.
	Timeout time.Duration
}

// Ollama implements Capability against a local Ollama server.
//
// Thread-safe. When the model responds with something that isn't the
// requested JSON, extraction degrades to the deterministic heuristic rather
// than failing the caller's operation.
type Ollama struct {
	config   OllamaConfig
	fallback *Heuristic
	logger   *log.Logger

	mu       sync.Mutex
	client   *api.Client // nil when released
	lastUsed time.Time
}

// NewOllama creates the Ollama capability. No connection is made until the
// first call: Acquire is lazy by construction.
func NewOllama(config OllamaConfig) *Ollama {
	if config.Host == "" {
		config.Host = "http://localhost:11434"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = config.Model
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Ollama{
		config:   config,
		fallback: NewHeuristic(),
		logger:   log.WithPrefix("nlp"),
	}
}

// Acquire builds the API client if it was released.
func (o *Ollama) Acquire(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acquireLocked()
}

func (o *Ollama) acquireLocked() error {
	if o.client != nil {
		return nil
	}
	uri, err := url.Parse(o.config.Host)
	if err != nil {
		return fmt.Errorf("%w: bad host %q: %v", ErrUnavailable, o.config.Host, err)
	}
	o.client = api.NewClient(uri, http.DefaultClient)
	o.logger.Debug("capability acquired", "host", o.config.Host, "model", o.config.Model)
	return nil
}

// Release drops the client. The next call reconnects transparently.
func (o *Ollama) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client == nil {
		return
	}
	o.client = nil
	o.logger.Info("capability released", "model", o.config.Model)
}

// LastUsed returns the time of the last successful model call.
func (o *Ollama) LastUsed() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUsed
}

// acquireClient returns a ready client, reloading if released.
func (o *Ollama) acquireClient() (*api.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.acquireLocked(); err != nil {
		return nil, err
	}
	return o.client, nil
}

func (o *Ollama) touch() {
	o.mu.Lock()
	o.lastUsed = time.Now()
	o.mu.Unlock()
}

// Entities extracts entities via the model, degrading to the heuristic on
// transport or parse failure.
func (o *Ollama) Entities(ctx context.Context, text string) ([]Entity, error) {
	client, err := o.acquireClient()
	if err != nil {
		o.logger.Warn("model unavailable, using heuristic extraction", "err", err)
		return o.fallback.Entities(ctx, text)
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	stream := false
	req := &api.GenerateRequest{
		Model:  o.config.Model,
		Prompt: fmt.Sprintf(entityPrompt, text),
		Stream: &stream,
	}

	var response strings.Builder
	err = client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		response.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		o.logger.Warn("entity extraction failed, using heuristic", "err", err)
		return o.fallback.Entities(ctx, text)
	}
	o.touch()

	entities, err := parseEntityResponse(response.String())
	if err != nil {
		o.logger.Warn("unparseable entity response, using heuristic", "err", err)
		return o.fallback.Entities(ctx, text)
	}
	return entities, nil
}

// Embed returns an embedding vector via the Ollama embeddings endpoint.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := o.acquireClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	resp, err := client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  o.config.EmbedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings: %v", ErrUnavailable, err)
	}
	o.touch()

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// parseEntityResponse extracts the JSON entity array from model output,
// tolerating surrounding prose and code fences.
func parseEntityResponse(raw string) ([]Entity, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var entities []Entity
	if err := json.Unmarshal([]byte(raw[start:end+1]), &entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}

	filtered := entities[:0]
	for _, e := range entities {
		e.Text = strings.TrimSpace(e.Text)
		if e.Text == "" {
			continue
		}
		if e.Confidence <= 0 || e.Confidence > 1 {
			e.Confidence = 0.5
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

var _ Capability = (*Ollama)(nil)
