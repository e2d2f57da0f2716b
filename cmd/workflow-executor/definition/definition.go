// Package definition models the workflow definition document: the node DAG,
// control-node configuration, and the output mapping. Parse and Load return
// a validated Graph ready for execution.
package definition

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kestrel-ai/meshflow/common/protocol"
)

// NodeType discriminates the node union.
type NodeType string

const (
	NodeAgent       NodeType = "agent"
	NodeConditional NodeType = "conditional"
	NodeSwitch      NodeType = "switch"
	NodeJoin        NodeType = "join"
	NodeLoop        NodeType = "loop"
	NodeFork        NodeType = "fork"
	NodeMap         NodeType = "map"
)

// Join strategies.
const (
	JoinAll  = "all"
	JoinAny  = "any"
	JoinNOfM = "n_of_m"
)

// Workflow is the definition document. Nodes keep document order; the
// engine's ready scan iterates them in that order, which keeps scheduling
// deterministic for a given document.
type Workflow struct {
	Description   string           `json:"description,omitempty"`
	InputSchema   map[string]any   `json:"input_schema,omitempty"`
	OutputSchema  map[string]any   `json:"output_schema,omitempty"`
	Nodes         []*Node          `json:"nodes"`
	OutputMapping map[string]any   `json:"output_mapping,omitempty"`
	Skills        []protocol.Skill `json:"skills,omitempty"`
}

// Node is the tagged union of all node kinds. One struct carries the fields
// of every type; Validate enforces the per-type shape.
type Node struct {
	ID        string   `json:"id"`
	Type      NodeType `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`

	// agent
	AgentName            string         `json:"agent_name,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	InputSchemaOverride  map[string]any `json:"input_schema_override,omitempty"`
	OutputSchemaOverride map[string]any `json:"output_schema_override,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty"`
	When                 string         `json:"when,omitempty"`

	// conditional / loop (loop reuses Condition for its do-while check)
	Condition   string `json:"condition,omitempty"`
	TrueBranch  string `json:"true_branch,omitempty"`
	FalseBranch string `json:"false_branch,omitempty"`

	// switch
	Cases   []SwitchCase `json:"cases,omitempty"`
	Default string       `json:"default,omitempty"`

	// join
	WaitFor  []string `json:"wait_for,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
	N        int      `json:"n,omitempty"`

	// loop / map (Target is the inner node id, json key "node")
	Target        string  `json:"node,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
	DelaySeconds  float64 `json:"delay,omitempty"`

	// map
	Items            any `json:"items,omitempty"`
	ConcurrencyLimit int `json:"concurrency_limit,omitempty"`
	MaxItems         int `json:"max_items,omitempty"`

	// fork
	Branches []ForkBranch `json:"branches,omitempty"`
}

// SwitchCase is one arm of a switch node; arms are evaluated in declaration
// order and the first truthy condition wins.
type SwitchCase struct {
	Condition string `json:"condition"`
	Node      string `json:"node"`
}

// ForkBranch is one parallel arm of a fork node. The branch id becomes the
// synthesized agent node's id; OutputKey names its slot in the merged result.
type ForkBranch struct {
	ID        string         `json:"id"`
	AgentName string         `json:"agent_name"`
	Input     map[string]any `json:"input,omitempty"`
	OutputKey string         `json:"output_key"`
}

// Parse decodes and validates a definition document.
func Parse(data []byte) (*Graph, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return NewGraph(&wf)
}

// Load reads a definition document from a file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition %s: %w", path, err)
	}
	graph, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow definition %s: %w", path, err)
	}
	return graph, nil
}

// Card renders the workflow as an agent card for discovery announcements, so
// the mesh can invoke the workflow like any other agent.
func (g *Graph) Card(agentName string) protocol.AgentCard {
	return protocol.AgentCard{
		Name:         agentName,
		Description:  g.Workflow.Description,
		InputSchema:  g.Workflow.InputSchema,
		OutputSchema: g.Workflow.OutputSchema,
		Skills:       g.Workflow.Skills,
		Capabilities: map[string]any{"workflow": true},
	}
}
