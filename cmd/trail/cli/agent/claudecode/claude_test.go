package claudecode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
)

const sampleTranscript = `{"type":"user","uuid":"u1","message":{"role":"user","content":"add a health endpoint"}}
{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"Sure."},{"type":"tool_use","name":"Edit","input":{"file_path":"/repo/server.go"}}],"usage":{"input_tokens":100,"output_tokens":40,"cache_read_input_tokens":20}}}
{"type":"user","uuid":"u2","message":{"role":"user","content":[{"type":"tool_result","text":"ok"}]}}
{"type":"user","uuid":"u3","message":{"role":"user","content":"now add a test"}}
{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":[{"type":"tool_use","name":"Write","input":{"file_path":"/repo/server_test.go"}}],"usage":{"input_tokens":50,"output_tokens":30}}}
`

func writeTranscript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleTranscript), 0o600))
	return path
}

func TestAgentRegistered(t *testing.T) {
	a, err := agent.Get(agent.TypeClaudeCode)
	require.NoError(t, err)
	_, ok := a.(agent.TranscriptAnalyzer)
	assert.True(t, ok, "Claude Code adapter should implement TranscriptAnalyzer")
}

func TestTranscriptPosition(t *testing.T) {
	c := &ClaudeCode{}
	pos, err := c.TranscriptPosition(writeTranscript(t))
	require.NoError(t, err)
	assert.Equal(t, 5, pos)
}

func TestModifiedFilesFromOffset(t *testing.T) {
	c := &ClaudeCode{}
	path := writeTranscript(t)

	files, pos, err := c.ModifiedFilesFromOffset(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"/repo/server.go", "/repo/server_test.go"}, files)
	assert.Equal(t, 5, pos)

	// Offset past the first edit only sees the second.
	files, _, err = c.ModifiedFilesFromOffset(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"/repo/server_test.go"}, files)
}

func TestPrompts(t *testing.T) {
	c := &ClaudeCode{}
	prompts := c.Prompts([]byte(sampleTranscript))
	assert.Equal(t, []string{"add a health endpoint", "now add a test"}, prompts)
}

func TestPrompts_SkipsCorruptLines(t *testing.T) {
	c := &ClaudeCode{}
	transcript := "not json\n" + `{"type":"user","message":{"role":"user","content":"hello"}}` + "\n"
	prompts := c.Prompts([]byte(transcript))
	assert.Equal(t, []string{"hello"}, prompts)
}

func TestUsage(t *testing.T) {
	c := &ClaudeCode{}
	usage := c.Usage([]byte(sampleTranscript), 0)
	require.NotNil(t, usage)
	assert.Equal(t, int64(150), usage.InputTokens)
	assert.Equal(t, int64(70), usage.OutputTokens)
	assert.Equal(t, int64(20), usage.CacheReadTokens)
	assert.Equal(t, int64(2), usage.APICallCount)

	// Offset past the first assistant entry counts only the second call.
	usage = c.Usage([]byte(sampleTranscript), 2)
	require.NotNil(t, usage)
	assert.Equal(t, int64(1), usage.APICallCount)
}

func TestLastUUID(t *testing.T) {
	c := &ClaudeCode{}
	assert.Equal(t, "a2", c.LastUUID([]byte(sampleTranscript)))
	assert.Equal(t, "", c.LastUUID(nil))
}
