package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// cmdLogger gives the writer a logger without pulling in ingestd's config-
// driven level/format selection; operator commands always log at info level
// to stderr so they never interleave with --format json stdout output.
func cmdLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func decodeJSONMap(payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return raw, nil
}
