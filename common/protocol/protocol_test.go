package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindData_MatchesByType(t *testing.T) {
	msg := &Message{
		Role: RoleAgent,
		Parts: []Part{
			TextPart("done"),
			DataPart(map[string]any{"type": "something_else"}),
			DataPart((&NodeResult{Status: ResultStatusSuccess, ArtifactName: "out.json", ArtifactVersion: 2}).Data()),
		},
	}

	data, ok := msg.FindData(TypeNodeResult)
	require.True(t, ok)

	result, err := ParseNodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, ResultStatusSuccess, result.Status)
	assert.Equal(t, "out.json", result.ArtifactName)
	assert.Equal(t, 2, result.ArtifactVersion)
}

func TestParseNodeResult_RejectsUnknownStatus(t *testing.T) {
	_, err := ParseNodeResult(map[string]any{"type": TypeNodeResult, "status": "done"})
	assert.Error(t, err)
}

func TestParseNodeResult_VersionFromJSONNumber(t *testing.T) {
	// Data parts decoded from the wire carry numbers as float64.
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"type":"workflow_node_result","status":"success","artifact_name":"a.json","artifact_version":3}`), &data))

	result, err := ParseNodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ArtifactVersion)
}

func TestIDString_Normalization(t *testing.T) {
	assert.Equal(t, "req-1", IDString("req-1"))
	assert.Equal(t, "42", IDString(float64(42)))
	assert.Equal(t, "4.5", IDString(4.5))
	assert.Equal(t, "", IDString(nil))
}

func TestSubTaskFromTopic(t *testing.T) {
	topics := NewTopics("mesh")
	topic := topics.AgentResponse("pipeline", "wf_abc123_node1_deadbeef")
	assert.Equal(t, "wf_abc123_node1_deadbeef", SubTaskFromTopic(topic))
	assert.Equal(t, "", SubTaskFromTopic("no-separator"))
	assert.Equal(t, "", SubTaskFromTopic("trailing/"))
}

func TestResultEmbed_Format(t *testing.T) {
	assert.Equal(t, "«result:artifact=report.json:v3 status=success»", ResultEmbed("report.json", 3, ResultStatusSuccess))
}

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest("wf_x_y_12345678", &Message{
		Role:   RoleUser,
		Parts:  []Part{DataPart(NodeRequestData("pipeline", "summarize", nil, nil))},
		TaskID: "wf_x_y_12345678",
	})
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	parsed, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, MethodSend, parsed.Method)
	assert.Equal(t, "wf_x_y_12345678", IDString(parsed.ID))
	data, ok := parsed.Params.Message.FindData(TypeNodeRequest)
	require.True(t, ok)
	assert.Equal(t, "summarize", data["node_id"])
}
