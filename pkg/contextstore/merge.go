package contextstore

import "github.com/pathrun/pathrun/pkg/models"

// MergePartial applies update merge semantics: form data and variables merge
// key-wise into the existing maps, every other populated field overwrites.
func MergePartial(existing, partial *models.ExecutionContext) *models.ExecutionContext {
	merged := *existing

	if partial.CurrentNode != "" {
		merged.CurrentNode = partial.CurrentNode
	}

	if partial.PreviousNode != "" {
		merged.PreviousNode = partial.PreviousNode
	}

	if partial.Visited != nil {
		merged.Visited = partial.Visited
	}

	if partial.Pending != nil {
		merged.Pending = partial.Pending
	}

	if partial.Metadata != nil {
		merged.Metadata = partial.Metadata
	}

	if len(partial.FormData) > 0 {
		merged.FormData = mergeMaps(existing.FormData, partial.FormData)
	}

	if len(partial.Variables) > 0 {
		merged.Variables = mergeMaps(existing.Variables, partial.Variables)
	}

	return &merged
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))

	for k, v := range base {
		merged[k] = v
	}

	for k, v := range overlay {
		merged[k] = v
	}

	return merged
}
