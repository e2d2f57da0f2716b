package protocol

import "strings"

// Topics builds namespaced bus topic names. The namespace is the fixed
// prefix every deployment chooses (config `namespace`).
type Topics struct {
	Namespace string
}

// NewTopics creates a topic builder for a namespace.
func NewTopics(namespace string) Topics {
	return Topics{Namespace: namespace}
}

// AgentRequest is the work queue of an agent or workflow.
func (t Topics) AgentRequest(name string) string {
	return t.Namespace + "/agent/request/" + name
}

// AgentResponse is where a specific sub-task's response is published.
func (t Topics) AgentResponse(workflowName, subTaskID string) string {
	return t.Namespace + "/agent/response/" + workflowName + "/" + subTaskID
}

// AgentStatus is where a specific sub-task's progress updates are published.
func (t Topics) AgentStatus(workflowName, subTaskID string) string {
	return t.Namespace + "/agent/status/" + workflowName + "/" + subTaskID
}

// ResponsePattern matches every response topic of a workflow.
func (t Topics) ResponsePattern(workflowName string) string {
	return t.Namespace + "/agent/response/" + workflowName + "/*"
}

// StatusPattern matches every status topic of a workflow.
func (t Topics) StatusPattern(workflowName string) string {
	return t.Namespace + "/agent/status/" + workflowName + "/*"
}

// Discovery is the shared agent-card announcement topic.
func (t Topics) Discovery() string {
	return t.Namespace + "/agent/discovery"
}

// ClientResponse is the fallback terminal-response topic for a client.
func (t Topics) ClientResponse(clientID string) string {
	return t.Namespace + "/client/response/" + clientID
}

// Observer is the progress-event topic of one workflow execution.
func (t Topics) Observer(workflowTaskID string) string {
	return t.Namespace + "/observer/workflow/" + workflowTaskID
}

// SubTaskFromTopic extracts the trailing id segment of a per-sub-task or
// per-execution topic (response, status, observer).
func SubTaskFromTopic(topic string) string {
	idx := strings.LastIndexByte(topic, '/')
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
