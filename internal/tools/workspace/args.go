package workspace

import (
	"encoding/json"
	"fmt"
	"math"
)

// requireRepoID extracts a positive integer repo_id. JSON numbers arrive as float64.
func requireRepoID(args map[string]any) (int64, error) {
	v, exists := args["repo_id"]
	if !exists || v == nil {
		return 0, fmt.Errorf("repo_id is required")
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("repo_id must be a number, got %T", v)
	}
	if f <= 0 || f != math.Trunc(f) {
		return 0, fmt.Errorf("repo_id must be a positive integer, got %v", f)
	}
	return int64(f), nil
}

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func optionalBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
