package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ingestPayload mirrors models.ToolCall for the wire shape accepted on the
// ingest command: raw JSON input instead of a decoded map, since it is
// re-marshalled straight back into the pending_messages row.
type ingestPayload struct {
	Tool      string          `json:"tool"`
	SessionID string          `json:"session_id"`
	CallID    string          `json:"call_id"`
	Project   string          `json:"project"`
	Input     json.RawMessage `json:"input"`
	Output    string          `json:"output"`
}

func runIngest(ctx context.Context, configPath, filePath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	raw, err := readIngestSource(filePath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var payload ingestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.Tool == "" {
		return fmt.Errorf("payload is missing required field \"tool\"")
	}
	if payload.SessionID == "" {
		return fmt.Errorf("payload is missing required field \"session_id\"")
	}

	inputJSON := string(payload.Input)
	if inputJSON == "" {
		inputJSON = "{}"
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	id, err := backend.Enqueue(ctx, payload.SessionID, payload.Tool, inputJSON, payload.Output, payload.Project)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	slog.Default().Info("enqueued tool call", "pending_id", id, "tool", payload.Tool, "session_id", payload.SessionID)
	fmt.Println(id)
	return nil
}

func readIngestSource(filePath string) ([]byte, error) {
	if filePath == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(filePath)
}
