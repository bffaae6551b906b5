package permission

import (
	"regexp"
	"strings"
)

// AskUserQuestionTool is the engine's explicit ask-the-user tool; it always
// routes through the confirmation path regardless of policy defaults.
const AskUserQuestionTool = "AskUserQuestion"

// destructiveShellPatterns match shell commands that delete or irreversibly
// overwrite data. Matching is intentionally coarse: a false positive costs
// one confirmation prompt, a false negative costs user data.
var destructiveShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?rm\s`),
	regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?rmdir\s`),
	regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?shred\s`),
	regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?dd\s`),
	regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?mkfs`),
	regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?truncate\s+-s\s+0`),
	regexp.MustCompile(`git\s+(reset\s+--hard|clean\s+-[a-z]*f|checkout\s+--\s|push\s+[^\n]*--force)`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`find\s[^\n]*-delete`),
}

// destructiveTools are tool names whose purpose is removal, independent of
// their input shape.
var destructiveTools = map[string]bool{
	"Remove":     true,
	"DeleteFile": true,
	"Trash":      true,
}

// IsDestructive reports whether a proposed tool call deletes or
// irreversibly modifies data. It is a pure predicate over the tool name and
// its opaque input payload.
func IsDestructive(toolName string, input map[string]any) bool {
	if destructiveTools[toolName] {
		return true
	}

	if toolName != "Bash" {
		return false
	}

	command, _ := input["command"].(string)
	if command == "" {
		return false
	}

	normalized := strings.Join(strings.Fields(command), " ")
	for _, pattern := range destructiveShellPatterns {
		if pattern.MatchString(normalized) {
			return true
		}
	}
	return false
}

// RequiresConfirmation reports whether a tool call must wait for a human
// decision instead of auto-approving.
func RequiresConfirmation(toolName string, input map[string]any) bool {
	return toolName == AskUserQuestionTool || IsDestructive(toolName, input)
}
