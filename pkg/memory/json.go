package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/prompts"
	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// extractJSONObject trims prose and markdown fences around a JSON object.
func extractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || start >= end {
		return "", fmt.Errorf("no JSON object found")
	}
	return text[start : end+1], nil
}

// parseWithRepair unmarshals model output into target. On failure it asks
// the model to repair its output exactly once; a second failure is final and
// the caller must not write anything.
func parseWithRepair(ctx context.Context, provider llms.Provider, raw string, target any) error {
	if obj, err := extractJSONObject(raw); err == nil {
		if err := json.Unmarshal([]byte(obj), target); err == nil {
			return nil
		}
	}

	repair := []*protocol.Message{
		protocol.NewUserMessage(fmt.Sprintf(prompts.JSONRepair, raw)),
	}
	completion, err := provider.Generate(ctx, repair, nil)
	if err != nil {
		return fmt.Errorf("JSON repair call failed: %w", err)
	}

	obj, err := extractJSONObject(completion.Text)
	if err != nil {
		return fmt.Errorf("repaired output still not JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(obj), target); err != nil {
		return fmt.Errorf("repaired output still not valid: %w", err)
	}
	return nil
}
