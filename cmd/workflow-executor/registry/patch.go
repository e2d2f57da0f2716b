package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxPatchOps caps how many operations a single card patch may carry.
const maxPatchOps = 32

var allowedPatchOps = map[string]bool{
	"add":     true,
	"replace": true,
	"remove":  true,
}

// validatePatchOps screens patch operations before they reach the JSON patch
// engine: only add, replace and remove are honored, every op needs a path,
// and the card's identity is immutable.
func validatePatchOps(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty patch")
	}

	var ops []map[string]any
	if err := json.Unmarshal(raw, &ops); err != nil {
		return fmt.Errorf("patch is not an operation list: %w", err)
	}
	if len(ops) == 0 {
		return fmt.Errorf("empty patch")
	}
	if len(ops) > maxPatchOps {
		return fmt.Errorf("patch has %d operations, limit is %d", len(ops), maxPatchOps)
	}

	for i, op := range ops {
		kind, _ := op["op"].(string)
		if !allowedPatchOps[kind] {
			return fmt.Errorf("operation %d has unsupported op %q", i, kind)
		}

		path, _ := op["path"].(string)
		if path == "" || !strings.HasPrefix(path, "/") {
			return fmt.Errorf("operation %d has invalid path %q", i, path)
		}
		if path == "/name" || strings.HasPrefix(path, "/name/") {
			return fmt.Errorf("operation %d touches the immutable card name", i)
		}

		if kind != "remove" {
			if _, ok := op["value"]; !ok {
				return fmt.Errorf("operation %d (%s) has no value", i, kind)
			}
		}
	}
	return nil
}
