package messagequeue

// PromptRequestPayload is the schema for agents.prompt.request messages.
type PromptRequestPayload struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	Target    string `json:"target"`
	Input     string `json:"input"`
	TimeoutMS int    `json:"timeout_ms"`
}

// PromptResultPayload is the schema for agents.prompt.result messages.
type PromptResultPayload struct {
	RequestID string `json:"request_id"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Busy      bool   `json:"busy,omitempty"`
}

// SessionOpenPayload is the schema for agents.session.open messages.
type SessionOpenPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

// SessionClosePayload is the schema for agents.session.close messages.
type SessionClosePayload struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

// SessionStatePayload is the schema for agents.session.state messages.
type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	Ready     bool   `json:"ready"`
	Error     string `json:"error,omitempty"`
}
