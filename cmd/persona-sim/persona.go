package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-ai/meshflow/common/artifact"
	"github.com/kestrel-ai/meshflow/common/bus"
	"github.com/kestrel-ai/meshflow/common/logger"
	"github.com/kestrel-ai/meshflow/common/protocol"
)

// simGroup is the consumer group persona simulators join. Running several
// simulator processes with the same persona set load-balances requests.
const simGroup = "persona_sim"

// behavior scripts one persona's responses. Personas without a script entry
// echo their input back.
type behavior struct {
	// Output is a fixed response document; when set it replaces the echo.
	Output map[string]any `json:"output,omitempty"`
	// Fail makes every request fail with this error message.
	Fail string `json:"fail,omitempty"`
	// DelayMS simulates work before responding.
	DelayMS int `json:"delay_ms,omitempty"`
	// Chat announces a plain-text input schema so requests arrive as text
	// parts instead of input artifacts.
	Chat bool `json:"chat,omitempty"`
}

// Persona simulates one persona agent: it drains the agent's request queue,
// writes an output artifact per request, and replies on the request's replyTo
// topic with a completed task.
type Persona struct {
	name      string
	bus       bus.Bus
	artifacts artifact.Service
	topics    protocol.Topics
	appName   string
	script    behavior
	log       *logger.Logger
}

// PersonaOpts bundles the persona's collaborators.
type PersonaOpts struct {
	Name      string
	Bus       bus.Bus
	Artifacts artifact.Service
	Topics    protocol.Topics
	AppName   string
	Script    behavior
	Logger    *logger.Logger
}

// NewPersona creates a simulated persona.
func NewPersona(opts PersonaOpts) *Persona {
	return &Persona{
		name:      opts.Name,
		bus:       opts.Bus,
		artifacts: opts.Artifacts,
		topics:    opts.Topics,
		appName:   opts.AppName,
		script:    opts.Script,
		log:       opts.Logger.WithComponent("persona:" + opts.Name),
	}
}

// Card renders the persona's discovery announcement. Chat personas declare
// the degenerate single-"text"-property schema; everyone else accepts any
// object, which makes the executor deliver inputs as artifacts.
func (p *Persona) Card() protocol.AgentCard {
	inputSchema := map[string]any{"type": "object"}
	if p.script.Chat {
		inputSchema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		}
	}
	return protocol.AgentCard{
		Name:        p.name,
		Description: "simulated persona (development stand-in)",
		InputSchema: inputSchema,
	}
}

// Start consumes the persona's request queue until the context is cancelled.
func (p *Persona) Start(ctx context.Context) error {
	topic := p.topics.AgentRequest(p.name)
	p.log.Info("persona consuming", "topic", topic, "group", simGroup)
	return p.bus.Consume(ctx, topic, simGroup, p.handle)
}

func (p *Persona) handle(ctx context.Context, msg *bus.Message) error {
	req, err := protocol.ParseRequest(msg.Payload)
	if err != nil {
		p.log.Warn("dropping malformed request", "error", err)
		return msg.Ack(ctx)
	}

	subTaskID := protocol.IDString(req.ID)
	var message *protocol.Message
	if req.Params != nil {
		message = req.Params.Message
	}
	if subTaskID == "" || message == nil {
		p.log.Warn("dropping request without id or message")
		return msg.Ack(ctx)
	}

	replyTo := msg.Property(protocol.PropReplyTo)
	if replyTo == "" {
		p.log.Warn("dropping request without replyTo", "sub_task_id", subTaskID)
		return msg.Ack(ctx)
	}

	nodeID := p.nodeID(message)
	log := p.log.WithSubTaskID(subTaskID).WithNodeID(nodeID)

	if d := time.Duration(p.script.DelayMS) * time.Millisecond; d > 0 {
		p.reportWorking(ctx, msg, req.ID, subTaskID, message.ContextID)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.script.Fail != "" {
		log.Info("responding with scripted failure", "error", p.script.Fail)
		p.respond(ctx, replyTo, req.ID, subTaskID, message.ContextID, &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: p.script.Fail,
		})
		return msg.Ack(ctx)
	}

	input, err := p.readInput(ctx, message)
	if err != nil {
		log.Error("failed to read request input", "error", err)
		p.respond(ctx, replyTo, req.ID, subTaskID, message.ContextID, &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: err.Error(),
		})
		return msg.Ack(ctx)
	}

	output := p.script.Output
	if output == nil {
		output = map[string]any{"persona": p.name, "echo": input}
	}
	data, err := json.Marshal(output)
	if err != nil {
		log.Error("failed to encode output", "error", err)
		p.respond(ctx, replyTo, req.ID, subTaskID, message.ContextID, &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: err.Error(),
		})
		return msg.Ack(ctx)
	}

	ref := artifact.Ref{
		AppName:   p.appName,
		UserID:    orDefault(msg.Property(protocol.PropUserID), "anonymous"),
		SessionID: orDefault(message.ContextID, "default"),
		Filename:  fmt.Sprintf("%s_%s_output.json", nodeID, subTaskID),
	}
	version, err := p.artifacts.Save(ctx, ref, data, "application/json")
	if err != nil {
		log.Error("failed to save output artifact", "error", err)
		p.respond(ctx, replyTo, req.ID, subTaskID, message.ContextID, &protocol.NodeResult{
			Status:       protocol.ResultStatusFailure,
			ErrorMessage: err.Error(),
		})
		return msg.Ack(ctx)
	}

	log.Info("responding", "artifact", ref.Filename, "version", version)
	p.respond(ctx, replyTo, req.ID, subTaskID, message.ContextID, &protocol.NodeResult{
		Status:          protocol.ResultStatusSuccess,
		ArtifactName:    ref.Filename,
		ArtifactVersion: version,
	})
	return msg.Ack(ctx)
}

// nodeID extracts the node id from the request's node-request data part,
// falling back to the message metadata.
func (p *Persona) nodeID(message *protocol.Message) string {
	if data, ok := message.FindData(protocol.TypeNodeRequest); ok {
		if id, ok := data["node_id"].(string); ok && id != "" {
			return id
		}
	}
	if id, ok := message.Metadata["node_id"].(string); ok {
		return id
	}
	return "unknown"
}

// readInput loads the request input: a file part references an input
// artifact, otherwise the first text part is the input itself.
func (p *Persona) readInput(ctx context.Context, message *protocol.Message) (any, error) {
	if file, ok := message.FirstFile(); ok {
		ref, err := artifact.ParseURI(file.URI)
		if err != nil {
			return nil, err
		}
		data, err := p.artifacts.Load(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to load input artifact %s: %w", file.URI, err)
		}
		var input any
		if err := json.Unmarshal(data, &input); err != nil {
			return string(data), nil
		}
		return input, nil
	}
	if text, ok := message.FirstText(); ok {
		return text, nil
	}
	return nil, nil
}

// reportWorking publishes a working status update on the request's status
// topic before simulated work starts.
func (p *Persona) reportWorking(ctx context.Context, msg *bus.Message, requestID any, subTaskID, contextID string) {
	statusTopic := msg.Property(protocol.PropStatusTopic)
	if statusTopic == "" {
		return
	}
	task := protocol.NewTask(subTaskID, contextID, protocol.TaskStateWorking, nil)
	raw, err := json.Marshal(protocol.NewResponse(requestID, task))
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, &bus.Message{Topic: statusTopic, Payload: raw}); err != nil {
		p.log.Warn("failed to publish status update", "sub_task_id", subTaskID, "error", err)
	}
}

// respond publishes the terminal sub-task response on the replyTo topic.
func (p *Persona) respond(ctx context.Context, replyTo string, requestID any, subTaskID, contextID string, result *protocol.NodeResult) {
	state := protocol.TaskStateCompleted
	if result.Status == protocol.ResultStatusFailure {
		state = protocol.TaskStateFailed
	}
	reply := &protocol.Message{
		Role: protocol.RoleAgent,
		Parts: []protocol.Part{
			protocol.DataPart(result.Data()),
			protocol.TextPart(protocol.ResultEmbed(result.ArtifactName, result.ArtifactVersion, result.Status)),
		},
		TaskID:    subTaskID,
		ContextID: contextID,
	}
	task := protocol.NewTask(subTaskID, contextID, state, reply)
	raw, err := json.Marshal(protocol.NewResponse(requestID, task))
	if err != nil {
		p.log.Error("failed to encode response", "sub_task_id", subTaskID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, &bus.Message{Topic: replyTo, Payload: raw}); err != nil {
		p.log.Error("failed to publish response", "sub_task_id", subTaskID, "topic", replyTo, "error", err)
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
