package wire

// Platform values reported in AgentDescriptor.
const (
	PlatformWindows = "windows"
	PlatformMacOS   = "macos"
	PlatformLinux   = "linux"
	PlatformUnknown = "unknown"
)

// AgentDescriptor identifies the terminal-hosting node.
type AgentDescriptor struct {
	AgentID     string `json:"agentId"`
	Platform    string `json:"platform"`
	Hostname    string `json:"hostname"`
	ConnectedAt string `json:"connectedAt"`
}

// TerminalSummary is the lightweight listing entry for one logical terminal.
type TerminalSummary struct {
	TerminalID        string `json:"terminalId"`
	Title             string `json:"title"`
	Cwd               string `json:"cwd,omitempty"`
	IsActive          bool   `json:"isActive"`
	UpdatedAt         string `json:"updatedAt"`
	ForegroundCommand string `json:"foregroundCommand,omitempty"`
}

// TerminalSnapshot carries the tail-capped rendered text of a terminal.
type TerminalSnapshot struct {
	TerminalID string `json:"terminalId"`
	Output     string `json:"output"`
	UpdatedAt  string `json:"updatedAt"`
}

// Capture source kinds.
const (
	SourceScreen = "screen"
	SourceWindow = "window"
)

// CaptureSource is one capturable display or window.
type CaptureSource struct {
	Source   string `json:"source"`
	SourceID string `json:"sourceId"`
	Label    string `json:"label"`
}

// ScreenCapture is a completed capture grab.
type ScreenCapture struct {
	Source      string `json:"source"`
	SourceID    string `json:"sourceId,omitempty"`
	TerminalID  string `json:"terminalId,omitempty"`
	MimeType    string `json:"mimeType"`
	ImageBase64 string `json:"imageBase64"`
	CapturedAt  string `json:"capturedAt"`
	RequestID   string `json:"requestId,omitempty"`
}
