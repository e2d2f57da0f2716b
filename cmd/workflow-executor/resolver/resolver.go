// Package resolver evaluates value expressions from workflow definitions:
// literals, {{path}} template strings, and the coalesce/concat operator
// objects. Paths read node outputs and the workflow input from the owning
// execution's state.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Reserved node_outputs keys. The workflow input is installed at execution
// start; the map/loop keys are installed by their control handlers.
const (
	KeyWorkflowInput = "workflow_input"
	KeyMapItem       = "_map_item"
	KeyMapIndex      = "_map_index"
	KeyLoopIteration = "_loop_iteration"
)

// Source supplies node output entries. Entries are the stored wrapper
// objects, i.e. {"output": <value>}.
type Source interface {
	NodeOutput(nodeID string) (any, bool)
}

// templatePattern matches a full-string template. Strings that merely
// contain {{...}} are literals; there is no interpolation.
var templatePattern = regexp.MustCompile(`^\{\{\s*([\w.]+)\s*\}\}$`)

// occurrencePattern matches templates embedded in condition expressions.
var occurrencePattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// aliases rewrite the short map/loop variables and the parameters prefix.
var aliases = map[string]string{
	"item":      KeyMapItem,
	"index":     KeyMapIndex,
	"iteration": KeyLoopIteration,
}

// TemplatePath extracts the path from a full-string template.
func TemplatePath(s string) (string, bool) {
	m := templatePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// RewriteTemplates replaces every embedded {{path}} occurrence with
// name(i) and returns the rewritten string plus the extracted paths in
// occurrence order. Condition evaluation uses this to bind resolved values
// as variables instead of splicing them into source text.
func RewriteTemplates(s string, name func(int) string) (string, []string) {
	var b strings.Builder
	var paths []string
	last := 0
	for _, m := range occurrencePattern.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(s[last:m[0]])
		b.WriteString(name(len(paths)))
		paths = append(paths, s[m[2]:m[3]])
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), paths
}

// Resolve evaluates a value expression. Objects and arrays are resolved
// recursively; an object with exactly one coalesce or concat key is an
// operator; everything else passes through.
func Resolve(value any, src Source) (any, error) {
	switch v := value.(type) {
	case string:
		if path, ok := TemplatePath(v); ok {
			return ResolvePath(path, src)
		}
		return v, nil

	case map[string]any:
		if len(v) == 1 {
			if args, ok := v["coalesce"]; ok {
				return resolveCoalesce(args, src)
			}
			if args, ok := v["concat"]; ok {
				return resolveConcat(args, src)
			}
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			resolved, err := Resolve(val, src)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, src)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return value, nil
	}
}

// ResolveMap resolves every value of an expression map (node inputs, the
// final output mapping).
func ResolveMap(m map[string]any, src Source) (map[string]any, error) {
	resolved := make(map[string]any, len(m))
	for key, value := range m {
		v, err := Resolve(value, src)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", key, err)
		}
		resolved[key] = v
	}
	return resolved, nil
}

// ResolvePath resolves a dot-separated template path against the source.
//
// workflow.input paths are lenient: anything missing yields null so
// coalesce defaulting works. Node paths yield null when the node has no
// output yet, but a missing segment inside a present output is an error.
func ResolvePath(path string, src Source) (any, error) {
	path = applyAliases(path)

	if path == "workflow.input" || strings.HasPrefix(path, "workflow.input.") {
		entry, ok := src.NodeOutput(KeyWorkflowInput)
		if !ok {
			return nil, nil
		}
		root := unwrapOutput(entry)
		rest := strings.TrimPrefix(strings.TrimPrefix(path, "workflow.input"), ".")
		if rest == "" {
			return root, nil
		}
		value, found := traverse(root, rest)
		if !found {
			return nil, nil
		}
		return value, nil
	}

	segs := strings.SplitN(path, ".", 2)
	nodeID := segs[0]

	entry, ok := src.NodeOutput(nodeID)
	if !ok {
		return nil, nil
	}

	// Reserved variables store the value directly under the output
	// wrapper; templates address them without the output segment.
	root := entry
	if isReserved(nodeID) {
		root = unwrapOutput(entry)
	}

	if len(segs) == 1 {
		return root, nil
	}

	value, found := traverse(root, segs[1])
	if !found {
		return nil, fmt.Errorf("failed to resolve {{%s}}: %s has no value at %s", path, nodeID, segs[1])
	}
	return value, nil
}

// Stringify renders a resolved value for concat: strings pass through,
// everything else uses its compact JSON encoding.
func Stringify(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func resolveCoalesce(args any, src Source) (any, error) {
	exprs, ok := args.([]any)
	if !ok {
		return nil, fmt.Errorf("coalesce requires a list of expressions")
	}
	for _, expr := range exprs {
		value, err := Resolve(expr, src)
		if err != nil {
			return nil, err
		}
		if value != nil {
			return value, nil
		}
	}
	return nil, nil
}

func resolveConcat(args any, src Source) (any, error) {
	exprs, ok := args.([]any)
	if !ok {
		return nil, fmt.Errorf("concat requires a list of expressions")
	}
	var b strings.Builder
	for _, expr := range exprs {
		value, err := Resolve(expr, src)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(value))
	}
	return b.String(), nil
}

func applyAliases(path string) string {
	if mapped, ok := aliases[path]; ok {
		return mapped
	}
	for short, full := range aliases {
		if strings.HasPrefix(path, short+".") {
			return full + path[len(short):]
		}
	}
	if path == "workflow.parameters" {
		return "workflow.input"
	}
	if strings.HasPrefix(path, "workflow.parameters.") {
		return "workflow.input." + path[len("workflow.parameters."):]
	}
	return path
}

func isReserved(nodeID string) bool {
	switch nodeID {
	case KeyMapItem, KeyMapIndex, KeyLoopIteration:
		return true
	}
	return false
}

// unwrapOutput extracts the value from an {"output": ...} entry.
func unwrapOutput(entry any) any {
	if m, ok := entry.(map[string]any); ok {
		return m["output"]
	}
	return entry
}

// traverse walks a dot path over the JSON encoding of root.
func traverse(root any, path string) (any, bool) {
	encoded, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(encoded, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}
