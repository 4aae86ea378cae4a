package nlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicExtractsCapitalizedTerms(t *testing.T) {
	h := NewHeuristic()

	entities, err := h.Entities(context.Background(), "Alice met Bob in Paris to discuss the merger.")
	require.NoError(t, err)

	texts := make(map[string]float64)
	for _, e := range entities {
		texts[e.Text] = e.Confidence
	}
	assert.Contains(t, texts, "alice")
	assert.Contains(t, texts, "bob")
	assert.Contains(t, texts, "paris")
	assert.InDelta(t, 0.8, texts["alice"], 0.001)
}

func TestHeuristicExtractsFrequentTerms(t *testing.T) {
	h := NewHeuristic()

	entities, err := h.Entities(context.Background(),
		"the compiler parses tokens, the compiler emits bytecode, the compiler links objects")
	require.NoError(t, err)

	var found bool
	for _, e := range entities {
		if e.Text == "compiler" {
			found = true
			assert.GreaterOrEqual(t, e.Confidence, 0.6)
		}
		// Single lowercase occurrences are dropped.
		assert.NotEqual(t, "bytecode", e.Text)
	}
	assert.True(t, found, "expected 'compiler' to be extracted")
}

func TestHeuristicDeterministicOrder(t *testing.T) {
	h := NewHeuristic()
	text := "Gopher Gopher badger badger badger snake"

	first, err := h.Entities(context.Background(), text)
	require.NoError(t, err)
	second, err := h.Entities(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHeuristicEmbedUnavailable(t *testing.T) {
	h := NewHeuristic()
	_, err := h.Embed(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHeuristicLastUsedAdvances(t *testing.T) {
	h := NewHeuristic()
	assert.True(t, h.LastUsed().IsZero())

	_, err := h.Entities(context.Background(), "some text here")
	require.NoError(t, err)
	assert.False(t, h.LastUsed().IsZero())
}

func TestParseEntityResponse(t *testing.T) {
	raw := "Here are the entities:\n```json\n" +
		`[{"text": "Paris", "confidence": 0.9}, {"text": " Bob ", "confidence": 0.7}, {"text": "", "confidence": 0.5}]` +
		"\n```"

	entities, err := parseEntityResponse(raw)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Paris", entities[0].Text)
	assert.Equal(t, "Bob", entities[1].Text)
}

func TestParseEntityResponseClampsConfidence(t *testing.T) {
	entities, err := parseEntityResponse(`[{"text": "thing", "confidence": 7.5}]`)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, 0.5, entities[0].Confidence)
}

func TestParseEntityResponseRejectsProse(t *testing.T) {
	_, err := parseEntityResponse("I could not find any entities.")
	assert.Error(t, err)
}

func TestOllamaReleaseThenAcquire(t *testing.T) {
	o := NewOllama(OllamaConfig{Model: "test-model"})

	// Never connected: Release is a no-op, Acquire builds the client.
	o.Release()
	require.NoError(t, o.Acquire(context.Background()))
	o.Release()
	require.NoError(t, o.Acquire(context.Background()))
}
