// Package claudecode adapts Claude Code's JSONL transcript format to the
// engine's agent capability set. Each transcript line is one JSON event;
// user prompts, file edits, and token usage are extracted line by line so a
// corrupt entry never poisons the rest of the file.
package claudecode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
)

// maxScanTokenSize allows single transcript lines up to 32 MiB; tool results
// can embed whole files.
const maxScanTokenSize = 32 * 1024 * 1024

// fileEditTools are the tool names whose input names a modified file.
var fileEditTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// ClaudeCode implements agent.Agent and agent.TranscriptAnalyzer.
type ClaudeCode struct{}

func init() {
	agent.Register(&ClaudeCode{})
}

// AgentType returns the display name recorded in checkpoint metadata.
func (c *ClaudeCode) AgentType() agent.Type {
	return agent.TypeClaudeCode
}

// transcriptEntry is the subset of a transcript line the adapter reads.
type transcriptEntry struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Usage   *usageEntry     `json:"usage"`
	} `json:"message"`
}

type usageEntry struct {
	InputTokens         int64 `json:"input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
}

// contentBlock is one block of a structured message content array.
type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	} `json:"input"`
}

// TranscriptPosition returns the number of non-empty lines in the transcript.
func (c *ClaudeCode) TranscriptPosition(transcriptPath string) (int, error) {
	f, err := os.Open(transcriptPath) //nolint:gosec // path comes from session state
	if err != nil {
		return 0, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := newLineScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan transcript: %w", err)
	}
	return count, nil
}

// ModifiedFilesFromOffset returns the files edited by tool calls recorded
// after the given line offset, plus the new line position.
func (c *ClaudeCode) ModifiedFilesFromOffset(transcriptPath string, offset int) ([]string, int, error) {
	f, err := os.Open(transcriptPath) //nolint:gosec // path comes from session state
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	line := 0
	scanner := newLineScanner(f)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		line++
		if line <= offset {
			continue
		}
		for _, path := range editedPaths(text) {
			seen[path] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan transcript: %w", err)
	}

	files := make([]string, 0, len(seen))
	for path := range seen {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, line, nil
}

// Prompts extracts the user prompts from a transcript, in order. Tool
// results and command echoes are skipped.
func (c *ClaudeCode) Prompts(transcript []byte) []string {
	var prompts []string
	for _, line := range strings.Split(string(transcript), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Type != "user" || entry.Message.Role != "user" {
			continue
		}
		text := promptText(entry.Message.Content)
		if text != "" && !strings.HasPrefix(text, "<") {
			prompts = append(prompts, text)
		}
	}
	return prompts
}

// Usage sums assistant token usage recorded after the given line offset.
func (c *ClaudeCode) Usage(transcript []byte, offset int) *agent.TokenUsage {
	var usage *agent.TokenUsage
	line := 0
	for _, raw := range strings.Split(string(transcript), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		line++
		if line <= offset {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Type != "assistant" || entry.Message.Usage == nil {
			continue
		}
		u := entry.Message.Usage
		usage = agent.Accumulate(usage, &agent.TokenUsage{
			InputTokens:         u.InputTokens,
			CacheCreationTokens: u.CacheCreationTokens,
			CacheReadTokens:     u.CacheReadTokens,
			OutputTokens:        u.OutputTokens,
			APICallCount:        1,
		})
	}
	return usage
}

// LastUUID returns the uuid of the final transcript entry, used to mark the
// transcript position at session start.
func (c *ClaudeCode) LastUUID(transcript []byte) string {
	last := ""
	for _, raw := range strings.Split(string(transcript), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.UUID != "" {
			last = entry.UUID
		}
	}
	return last
}

// editedPaths extracts file paths from tool_use blocks in one transcript line.
func editedPaths(line string) []string {
	var entry transcriptEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return nil
	}
	if entry.Type != "assistant" {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(entry.Message.Content, &blocks); err != nil {
		return nil
	}
	var paths []string
	for _, b := range blocks {
		if b.Type != "tool_use" || !fileEditTools[b.Name] {
			continue
		}
		if b.Input.FilePath != "" {
			paths = append(paths, b.Input.FilePath)
		}
		if b.Input.NotebookPath != "" {
			paths = append(paths, b.Input.NotebookPath)
		}
	}
	return paths
}

// promptText renders message content to plain text: either a bare string or
// the concatenation of text blocks.
func promptText(content json.RawMessage) string {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	return scanner
}
