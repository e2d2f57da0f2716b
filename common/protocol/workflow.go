package protocol

import (
	"encoding/json"
	"fmt"
)

// Data-part payload types.
const (
	TypeNodeRequest = "workflow_node_request"
	TypeNodeResult  = "workflow_node_result"
	TypeCardPatch   = "agent_card_patch"
)

// Node result statuses.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailure = "failure"
)

// NodeRequestData builds the data part describing what the executor is
// asking the persona to do.
func NodeRequestData(workflowName, nodeID string, inputSchema, outputSchema map[string]any) map[string]any {
	data := map[string]any{
		"type":          TypeNodeRequest,
		"workflow_name": workflowName,
		"node_id":       nodeID,
	}
	if inputSchema != nil {
		data["input_schema"] = inputSchema
	}
	if outputSchema != nil {
		data["output_schema"] = outputSchema
	}
	return data
}

// NodeResult is the typed view of a workflow_node_result data part.
type NodeResult struct {
	Status          string `json:"status"`
	ArtifactName    string `json:"artifact_name,omitempty"`
	ArtifactVersion int    `json:"artifact_version,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Data renders the result as a data part payload.
func (r *NodeResult) Data() map[string]any {
	data := map[string]any{
		"type":   TypeNodeResult,
		"status": r.Status,
	}
	if r.ArtifactName != "" {
		data["artifact_name"] = r.ArtifactName
	}
	if r.ArtifactVersion > 0 {
		data["artifact_version"] = r.ArtifactVersion
	}
	if r.ErrorMessage != "" {
		data["error_message"] = r.ErrorMessage
	}
	return data
}

// ParseNodeResult extracts a NodeResult from a data part payload.
func ParseNodeResult(data map[string]any) (*NodeResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("malformed node result: %w", err)
	}
	var result NodeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed node result: %w", err)
	}
	if result.Status != ResultStatusSuccess && result.Status != ResultStatusFailure {
		return nil, fmt.Errorf("node result has invalid status %q", result.Status)
	}
	return &result, nil
}

// ResultEmbed renders the marker agents append to their replies so plain
// chat transcripts still identify the produced artifact.
func ResultEmbed(artifactName string, version int, status string) string {
	return fmt.Sprintf("«result:artifact=%s:v%d status=%s»", artifactName, version, status)
}

// ResultReminder is the fixed instruction appended to every dispatched
// request.
const ResultReminder = "Persist your final output as an artifact and end your reply with " +
	"«result:artifact=<name>:v<version> status=success» (status=failure if you could not complete the task)."

// AgentCard describes an agent available on the mesh; announced on the
// discovery topic.
type AgentCard struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Skills       []Skill        `json:"skills,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	URL          string         `json:"url,omitempty"`
}

// Skill is one advertised capability of an agent.
type Skill struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CardPatch is an incremental agent-card update: an RFC 6902 patch applied
// to the stored card document.
type CardPatch struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Patch json.RawMessage `json:"patch"`
}
