// Package llmclient defines the structured-compression and
// knowledge-extraction contract the pipeline calls the LLM through, plus an
// Anthropic-backed implementation with retry on transient HTTP failures.
//
// This package is the only user of the Anthropic SDK in this codebase; the
// single non-streaming, tool-forced call shape used here to get back
// structured JSON is built from the SDK's documented tool-use contract.
package llmclient

import (
	"context"

	"github.com/haasonsaas/agentmemory/pkg/models"
)

// CompressionRequest carries the raw tool-call event to be compressed into
// an observation.
type CompressionRequest struct {
	Tool         string
	SessionID    string
	Project      string
	Input        map[string]any
	Output       string
	PromptNumber int
}

// CompressionResult is the LLM's structured judgement about a tool call.
// ShouldSave=false means the pipeline drops the event entirely.
type CompressionResult struct {
	ShouldSave      bool
	Type            models.ObservationType
	Title           string
	Subtitle        string
	Narrative       string
	Facts           []string
	Concepts        []models.Concept
	FilesRead       []string
	FilesModified   []string
	Keywords        []string
	NoiseLevel      models.NoiseLevel
	NoiseReason     string
	DiscoveryTokens int
}

// LlmClient is the contract the pipeline calls the language model through.
type LlmClient interface {
	// Compress asks the model to turn a raw tool-call event into a
	// structured observation, or to mark it not worth saving.
	Compress(ctx context.Context, req CompressionRequest) (*CompressionResult, error)

	// ShouldExtractKnowledge asks whether an observation (already known to
	// carry a pattern/gotcha/how-it-works concept) generalises into a
	// reusable GlobalKnowledge entry.
	ShouldExtractKnowledge(ctx context.Context, obs *models.Observation) (bool, error)
}
