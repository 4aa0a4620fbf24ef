package bridge

import (
	"encoding/json"
	"strings"
)

// RiskLevel grades a permission request for the peer UI.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Typed inputs for the tools the classifier inspects. These match the
// CLI's tool input shapes.

// BashInput is the input for the Bash tool.
type BashInput struct {
	Command         string `json:"command"`
	Timeout         *int   `json:"timeout,omitempty"`
	Description     string `json:"description,omitempty"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// FileWriteInput is the input for the Write tool.
type FileWriteInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// FileEditInput is the input for the Edit tool.
type FileEditInput struct {
	FilePath   string `json:"file_path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

// readOnlyTools never modify state; their prompts are graded low.
var readOnlyTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"WebFetch":  true,
	"WebSearch": true,
	"TodoWrite": true,
}

// destructiveBashPrefixes escalate a Bash command to high risk.
var destructiveBashPrefixes = []string{
	"rm ", "rm\t", "sudo ", "mkfs", "dd ",
}

// ClassifyRisk grades a tool permission request from its name and input.
// Unknown tools default to medium.
func ClassifyRisk(toolName string, input map[string]any) RiskLevel {
	if readOnlyTools[toolName] {
		return RiskLow
	}

	switch toolName {
	case "Bash":
		var parsed BashInput
		if raw, err := json.Marshal(input); err == nil {
			_ = json.Unmarshal(raw, &parsed)
		}
		cmd := strings.TrimSpace(parsed.Command)
		for _, prefix := range destructiveBashPrefixes {
			if strings.HasPrefix(cmd, prefix) {
				return RiskHigh
			}
		}
		return RiskMedium

	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return RiskMedium
	}

	return RiskMedium
}

// DescribeRequest renders the human-readable description shown alongside a
// permission prompt.
func DescribeRequest(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		var parsed BashInput
		if raw, err := json.Marshal(input); err == nil {
			_ = json.Unmarshal(raw, &parsed)
		}
		if parsed.Description != "" {
			return parsed.Description
		}
	case "Write":
		var parsed FileWriteInput
		if raw, err := json.Marshal(input); err == nil {
			_ = json.Unmarshal(raw, &parsed)
		}
		if parsed.FilePath != "" {
			return "Write " + parsed.FilePath
		}
	case "Edit":
		var parsed FileEditInput
		if raw, err := json.Marshal(input); err == nil {
			_ = json.Unmarshal(raw, &parsed)
		}
		if parsed.FilePath != "" {
			return "Edit " + parsed.FilePath
		}
	}
	return "Tool permission request"
}
