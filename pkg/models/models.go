// Package models holds the messages exchanged with powerd agents and the
// shapes returned by the manager API.
package models

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Power actions understood by powerd.
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionStatus = "status"
)

// Command asks a powerd agent to switch a device.
type Command struct {
	ID        string `json:"id"`
	Device    string `json:"device"`
	Action    string `json:"action"`            // on, off, status
	Timeout   int    `json:"timeout,omitempty"` // seconds, 30 if unset
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Response is the answer to a Command, matched by ID.
type Response struct {
	ID        string `json:"id"`
	Device    string `json:"device"`
	Action    string `json:"action"`
	Status    string `json:"status"` // success, error, timeout
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Duration  int64  `json:"duration"` // milliseconds
	Timestamp int64  `json:"timestamp"`
}

// TextPosition is a piece of text found on screen.
type TextPosition struct {
	Text   string `json:"text"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// TestcaseInfo describes a registered testcase.
type TestcaseInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

// ExecutionRequest starts a testcase run through the manager.
type ExecutionRequest struct {
	Testcase string         `json:"testcase" binding:"required"`
	Board    string         `json:"board"`
	Lab      string         `json:"lab"`
	Params   map[string]any `json:"params"`
	Timeout  int            `json:"timeout"` // seconds, no limit if 0
}
