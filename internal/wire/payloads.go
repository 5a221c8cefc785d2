package wire

// TerminalList is the agent.terminal_list payload.
type TerminalList struct {
	Terminals []TerminalSummary `json:"terminals"`
}

// TerminalOutput is the agent.terminal_output payload. At is the
// emission timestamp in wire format.
type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Chunk      string `json:"chunk"`
	At         string `json:"at"`
}

// CaptureSources is the agent.capture_sources payload.
type CaptureSources struct {
	RequestID string          `json:"requestId,omitempty"`
	Sources   []CaptureSource `json:"sources"`
}

// CommandResult is the agent.command_result payload. Progress marks a
// streaming update; the final result has Progress=false.
type CommandResult struct {
	RequestID      string `json:"requestId"`
	Output         string `json:"output"`
	Progress       bool   `json:"progress,omitempty"`
	ProgressSource string `json:"progressSource,omitempty"`
}

// Agent error codes.
const (
	ErrTmuxCommandFailed  = "TMUX_COMMAND_FAILED"
	ErrTmuxCaptureFailed  = "TMUX_CAPTURE_FAILED"
	ErrTmuxCreateFailed   = "TMUX_CREATE_FAILED"
	ErrTerminalNotFound   = "TERMINAL_NOT_FOUND"
	ErrCaptureListFailed  = "CAPTURE_LIST_FAILED"
	ErrCaptureFailed      = "CAPTURE_FAILED"
	ErrWindowListFailed   = "WINDOW_LIST_FAILED"
	ErrAgentCommandFailed = "AGENT_COMMAND_FAILED"
)

// AgentError is the agent.error payload.
type AgentError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Client types announced in client.hello.
const (
	ClientTypeMobile         = "mobile"
	ClientTypeChat           = "chat"
	ClientTypeWeb            = "web"
	ClientTypeViewerLauncher = "viewer-launcher"
	ClientTypeViewer         = "viewer"
)

// ClientHello is the client.hello payload.
type ClientHello struct {
	ClientType string `json:"clientType"`
}

// Client command kinds carried inside client.command.
const (
	CmdTerminalCreate   = "terminal.create"
	CmdTerminalClose    = "terminal.close"
	CmdTerminalInput    = "terminal.input"
	CmdTerminalSnapshot = "terminal.snapshot"
	CmdCaptureList      = "capture.list"
	CmdScreenCapture    = "screen.capture"
	CmdTfclaw           = "tfclaw.command"
)

// Command is the inner tagged payload of a client.command frame.
type Command struct {
	Command    string `json:"command"`
	Title      string `json:"title,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`
	Source     string `json:"source,omitempty"`
	SourceID   string `json:"sourceId,omitempty"`
	Text       string `json:"text,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// ClientCommand is the client.command payload.
type ClientCommand struct {
	RequestID string  `json:"requestId,omitempty"`
	Payload   Command `json:"payload"`
}

// State is the relay.state payload: the composed session view sent to
// joining clients and rebroadcast on changes.
type State struct {
	Agent     *AgentDescriptor            `json:"agent,omitempty"`
	Terminals []TerminalSummary           `json:"terminals"`
	Snapshots map[string]TerminalSnapshot `json:"snapshots"`
}

// Ack is the relay.ack payload.
type Ack struct {
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
}
