package protocol

// Role identifies the message author side.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part kinds.
const (
	PartKindText = "text"
	PartKindData = "data"
	PartKindFile = "file"
)

// Part is one element of a message body: plain text, a structured data
// object, or a file reference.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	File *FileRef       `json:"file,omitempty"`
}

// FileRef points at an artifact by URI.
type FileRef struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// FilePart builds a file part referencing an artifact URI.
func FilePart(uri, name, mimeType string) Part {
	return Part{Kind: PartKindFile, File: &FileRef{URI: uri, Name: name, MimeType: mimeType}}
}

// Message is the unit of agent-to-agent communication.
type Message struct {
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FirstText returns the first text part.
func (m *Message) FirstText() (string, bool) {
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			return p.Text, true
		}
	}
	return "", false
}

// FirstFile returns the first file part.
func (m *Message) FirstFile() (*FileRef, bool) {
	for _, p := range m.Parts {
		if p.Kind == PartKindFile && p.File != nil {
			return p.File, true
		}
	}
	return nil, false
}

// FirstData returns the first data part.
func (m *Message) FirstData() (map[string]any, bool) {
	for _, p := range m.Parts {
		if p.Kind == PartKindData && p.Data != nil {
			return p.Data, true
		}
	}
	return nil, false
}

// FindData returns the first data part whose "type" field matches.
func (m *Message) FindData(typ string) (map[string]any, bool) {
	for _, p := range m.Parts {
		if p.Kind != PartKindData || p.Data == nil {
			continue
		}
		if t, ok := p.Data["type"].(string); ok && t == typ {
			return p.Data, true
		}
	}
	return nil, false
}

// User-property keys carried alongside bus messages.
const (
	PropReplyTo     = "replyTo"
	PropStatusTopic = "a2aStatusTopic"
	PropUserID      = "userId"
	PropClientID    = "clientId"
	PropUserConfig  = "a2aUserConfig"
)
