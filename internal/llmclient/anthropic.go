package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/agentmemory/internal/retry"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// AnthropicConfig configures the Anthropic-backed LlmClient.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int64
}

// AnthropicClient implements LlmClient over Claude, using a forced
// single-tool call to get back structured JSON instead of free text.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

var _ LlmClient = (*AnthropicClient)(nil)

// NewAnthropicClient creates an AnthropicClient.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.DefaultModel,
		maxTokens: cfg.MaxTokens,
	}, nil
}

var compressionSchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"should_save":      map[string]any{"type": "boolean"},
		"type":             map[string]any{"type": "string", "enum": []string{"bugfix", "feature", "refactor", "change", "discovery", "decision"}},
		"title":            map[string]any{"type": "string"},
		"subtitle":         map[string]any{"type": "string"},
		"narrative":        map[string]any{"type": "string"},
		"facts":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"concepts":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"files_read":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"files_modified":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"keywords":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"noise_level":      map[string]any{"type": "string", "enum": []string{"critical", "high", "medium", "low", "negligible"}},
		"noise_reason":     map[string]any{"type": "string"},
		"discovery_tokens": map[string]any{"type": "integer"},
	},
	Required: []string{"should_save", "title"},
}

const compressionToolName = "record_observation"

// compressionPayload mirrors compressionSchema's shape for decoding the
// forced tool call's JSON arguments.
type compressionPayload struct {
	ShouldSave      bool     `json:"should_save"`
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Subtitle        string   `json:"subtitle"`
	Narrative       string   `json:"narrative"`
	Facts           []string `json:"facts"`
	Concepts        []string `json:"concepts"`
	FilesRead       []string `json:"files_read"`
	FilesModified   []string `json:"files_modified"`
	Keywords        []string `json:"keywords"`
	NoiseLevel      string   `json:"noise_level"`
	NoiseReason     string   `json:"noise_reason"`
	DiscoveryTokens int      `json:"discovery_tokens"`
}

// Compress calls the model with a forced tool choice so the response is
// always the structured payload, retrying transient HTTP failures up to 4
// total attempts.
func (c *AnthropicClient) Compress(ctx context.Context, req CompressionRequest) (*CompressionResult, error) {
	prompt := compressionPrompt(req)

	tool := anthropic.ToolUnionParamOfTool(compressionSchema, compressionToolName)
	tool.OfTool.Description = anthropic.String("Record the structured observation extracted from this tool call, or mark it not worth saving.")

	var payload compressionPayload

	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
			Tools:     []anthropic.ToolUnionParam{tool},
			ToolChoice: anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: compressionToolName},
			},
		})
		if err != nil {
			return classifyAnthropicError(err)
		}
		return decodeToolCall(msg, compressionToolName, &payload)
	})
	if result.Err != nil {
		if result.Attempts >= retry.DefaultConfig().MaxAttempts {
			return nil, newError(ReasonRetriesExhausted, 0, "compress: %v after %d attempts", result.Err, result.Attempts)
		}
		return nil, result.Err
	}

	if !payload.ShouldSave {
		return &CompressionResult{ShouldSave: false}, nil
	}

	concepts := make([]models.Concept, 0, len(payload.Concepts))
	for _, cp := range payload.Concepts {
		concepts = append(concepts, models.Concept(cp))
	}

	return &CompressionResult{
		ShouldSave:      true,
		Type:            models.ObservationType(payload.Type),
		Title:           payload.Title,
		Subtitle:        payload.Subtitle,
		Narrative:       payload.Narrative,
		Facts:           payload.Facts,
		Concepts:        concepts,
		FilesRead:       payload.FilesRead,
		FilesModified:   payload.FilesModified,
		Keywords:        payload.Keywords,
		NoiseLevel:      models.NoiseLevel(payload.NoiseLevel),
		NoiseReason:     payload.NoiseReason,
		DiscoveryTokens: payload.DiscoveryTokens,
	}, nil
}

var knowledgeSchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"extract": map[string]any{"type": "boolean"},
	},
	Required: []string{"extract"},
}

const knowledgeToolName = "extract_knowledge_decision"

// ShouldExtractKnowledge asks whether an observation generalises into a
// reusable GlobalKnowledge entry.
func (c *AnthropicClient) ShouldExtractKnowledge(ctx context.Context, obs *models.Observation) (bool, error) {
	prompt := fmt.Sprintf(
		"Observation title: %s\nNarrative: %s\nFacts: %s\n\nDoes this generalise into a reusable skill, pattern, or gotcha worth recording as standalone knowledge (independent of this one event)?",
		obs.Title, obs.Narrative, strings.Join(obs.Facts, "; "),
	)

	tool := anthropic.ToolUnionParamOfTool(knowledgeSchema, knowledgeToolName)
	tool.OfTool.Description = anthropic.String("Decide whether this observation should be promoted to reusable knowledge.")

	var payload struct {
		Extract bool `json:"extract"`
	}

	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: 256,
			Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
			Tools:     []anthropic.ToolUnionParam{tool},
			ToolChoice: anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: knowledgeToolName},
			},
		})
		if err != nil {
			return classifyAnthropicError(err)
		}
		return decodeToolCall(msg, knowledgeToolName, &payload)
	})
	if result.Err != nil {
		return false, result.Err
	}
	return payload.Extract, nil
}

func compressionPrompt(req CompressionRequest) string {
	inputJSON, _ := json.Marshal(req.Input)
	var sb strings.Builder
	sb.WriteString("Compress this coding-agent tool call into a structured observation.\n")
	fmt.Fprintf(&sb, "Tool: %s\nProject: %s\nSession: %s\nPrompt number: %d\n", req.Tool, req.Project, req.SessionID, req.PromptNumber)
	fmt.Fprintf(&sb, "Input: %s\n", inputJSON)
	fmt.Fprintf(&sb, "Output: %s\n", req.Output)
	sb.WriteString("If this event carries no durable information (e.g. a trivial read, a no-op, or an already-known fact), set should_save=false.")
	return sb.String()
}

// decodeToolCall finds the named tool_use block in msg and unmarshals its
// input into out.
func decodeToolCall(msg *anthropic.Message, name string, out any) error {
	if msg == nil || len(msg.Content) == 0 {
		return newError(ReasonEmptyResponse, 0, "message has no content blocks")
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != name {
			continue
		}
		if len(block.Input) == 0 {
			return newError(ReasonEmptyResponse, 0, "tool_use block %q has no input", name)
		}
		if err := json.Unmarshal(block.Input, out); err != nil {
			return newError(ReasonJSONParse, 0, "decode tool input: %v", err)
		}
		return nil
	}
	return newError(ReasonMissingField, 0, "response did not include a %q tool_use block", name)
}

// classifyAnthropicError maps an SDK error into the llmclient taxonomy.
// Non-transient HTTP statuses are wrapped as retry.Permanent so retry.Do
// stops immediately instead of burning through all 4 attempts; transient
// statuses and bare network errors are left retryable.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		wrapped := newError(ReasonHTTPStatus, status, "%s", apiErr.Error())
		if !IsTransientStatus(status) {
			return retry.Permanent(wrapped)
		}
		return wrapped
	}
	return newError(ReasonHTTPRequest, 0, "%v", err)
}

