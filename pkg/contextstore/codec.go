package contextstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
)

// Context values are serialized with an explicit tagged encoding so that
// non-primitive values (instants, durations, byte strings) round-trip
// losslessly. Tags are validated on read; structural type inference is never
// relied upon.
const (
	codecVersion = 1

	kindKey  = "$kind"
	valueKey = "$value"

	kindTime     = "time"
	kindDuration = "duration"
	kindBytes    = "bytes"
)

type envelope struct {
	Version int                      `json:"v"`
	Context *models.ExecutionContext `json:"context"`
}

// EncodeContext serializes an execution context with tagged values.
func EncodeContext(execCtx *models.ExecutionContext) ([]byte, error) {
	tagged := *execCtx
	tagged.FormData = tagMap(execCtx.FormData)
	tagged.Variables = tagMap(execCtx.Variables)
	tagged.Metadata = tagMap(execCtx.Metadata)

	payload, err := json.Marshal(envelope{Version: codecVersion, Context: &tagged})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution context: %w", err)
	}

	return payload, nil
}

// DecodeContext deserializes a tagged execution context payload.
func DecodeContext(payload []byte) (*models.ExecutionContext, error) {
	var env envelope

	err := json.Unmarshal(payload, &env)
	if err != nil {
		return nil, fmt.Errorf("failed to decode execution context: %w", err)
	}

	if env.Version != codecVersion {
		return nil, fmt.Errorf("unsupported context encoding version %d", env.Version)
	}

	if env.Context == nil {
		return nil, fmt.Errorf("context payload missing context body")
	}

	env.Context.FormData = untagMap(env.Context.FormData)
	env.Context.Variables = untagMap(env.Context.Variables)
	env.Context.Metadata = untagMap(env.Context.Metadata)

	return env.Context, nil
}

func tagMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}

	tagged := make(map[string]any, len(values))
	for k, v := range values {
		tagged[k] = tagValue(v)
	}

	return tagged
}

func tagValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return map[string]any{kindKey: kindTime, valueKey: v.UTC().Format(time.RFC3339Nano)}
	case time.Duration:
		return map[string]any{kindKey: kindDuration, valueKey: v.Nanoseconds()}
	case []byte:
		return map[string]any{kindKey: kindBytes, valueKey: base64.StdEncoding.EncodeToString(v)}
	case map[string]any:
		return tagMap(v)
	case []any:
		tagged := make([]any, len(v))
		for i, item := range v {
			tagged[i] = tagValue(item)
		}

		return tagged
	default:
		return value
	}
}

func untagMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}

	plain := make(map[string]any, len(values))
	for k, v := range values {
		plain[k] = untagValue(v)
	}

	return plain
}

func untagValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if kind, ok := v[kindKey].(string); ok {
			if decoded, ok := decodeTagged(kind, v[valueKey]); ok {
				return decoded
			}
		}

		return untagMap(v)
	case []any:
		plain := make([]any, len(v))
		for i, item := range v {
			plain[i] = untagValue(item)
		}

		return plain
	default:
		return value
	}
}

// decodeTagged validates and decodes one tagged value. Unknown or malformed
// tags are left as-is by the caller.
func decodeTagged(kind string, raw any) (any, bool) {
	switch kind {
	case kindTime:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}

		instant, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, false
		}

		return instant, true
	case kindDuration:
		switch n := raw.(type) {
		case float64:
			return time.Duration(int64(n)), true
		case int64:
			return time.Duration(n), true
		}

		return nil, false
	case kindBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}

		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}

		return decoded, true
	default:
		return nil, false
	}
}
