package agent

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxChunkSize is the cap for a single transcript blob. Hosting providers
	// reject blobs near 100MB, so chunks stop at half that.
	MaxChunkSize = 50 * 1024 * 1024

	// chunkSuffix formats numbered chunk files (.001, .002, ...).
	chunkSuffix = ".%03d"
)

// ChunkTranscript splits a transcript into chunks no larger than
// MaxChunkSize. Agents implementing TranscriptChunker get format-aware
// splitting; everything else splits at JSONL line boundaries.
func ChunkTranscript(content []byte, agentType Type) ([][]byte, error) {
	if len(content) <= MaxChunkSize {
		return [][]byte{content}, nil
	}
	if agentType != "" {
		if a, err := Get(agentType); err == nil {
			if chunker, ok := a.(TranscriptChunker); ok {
				chunks, chunkErr := chunker.ChunkTranscript(content, MaxChunkSize)
				if chunkErr != nil {
					return nil, fmt.Errorf("agent chunking failed: %w", chunkErr)
				}
				return chunks, nil
			}
		}
	}
	return ChunkJSONL(content, MaxChunkSize)
}

// ReassembleTranscript joins chunks back into the original transcript.
func ReassembleTranscript(chunks [][]byte, agentType Type) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if len(chunks) == 1 {
		return chunks[0], nil
	}
	if agentType != "" {
		if a, err := Get(agentType); err == nil {
			if chunker, ok := a.(TranscriptChunker); ok {
				result, err := chunker.ReassembleTranscript(chunks)
				if err != nil {
					return nil, fmt.Errorf("agent reassembly failed: %w", err)
				}
				return result, nil
			}
		}
	}
	return ReassembleJSONL(chunks), nil
}

// ChunkJSONL splits JSONL content at line boundaries so every chunk holds
// whole lines. Reassembly with ReassembleJSONL restores the exact input.
func ChunkJSONL(content []byte, maxSize int) ([][]byte, error) {
	lines := strings.Split(string(content), "\n")
	var chunks [][]byte
	var current strings.Builder

	for _, line := range lines {
		withNewline := line + "\n"
		if current.Len()+len(withNewline) > maxSize && current.Len() > 0 {
			chunks = append(chunks, []byte(strings.TrimSuffix(current.String(), "\n")))
			current.Reset()
		}
		current.WriteString(withNewline)
	}
	if current.Len() > 0 {
		chunks = append(chunks, []byte(strings.TrimSuffix(current.String(), "\n")))
	}
	return chunks, nil
}

// ReassembleJSONL concatenates JSONL chunks with newline separators.
func ReassembleJSONL(chunks [][]byte) []byte {
	var result strings.Builder
	for i, chunk := range chunks {
		result.Write(chunk)
		if i < len(chunks)-1 {
			result.WriteString("\n")
		}
	}
	return []byte(result.String())
}

// ChunkFileName returns the filename for a chunk index. Index 0 is the base
// file, 1+ get numeric suffixes.
func ChunkFileName(baseName string, index int) string {
	if index == 0 {
		return baseName
	}
	return baseName + fmt.Sprintf(chunkSuffix, index)
}

// ParseChunkIndex extracts the chunk index from a filename. Returns 0 for
// the base file and -1 for names that are not chunks of baseName.
func ParseChunkIndex(filename, baseName string) int {
	if filename == baseName {
		return 0
	}
	if !strings.HasPrefix(filename, baseName+".") {
		return -1
	}
	suffix := strings.TrimPrefix(filename, baseName+".")
	var index int
	if _, err := fmt.Sscanf(suffix, "%03d", &index); err != nil {
		return -1
	}
	return index
}

// SortChunkFiles orders chunk filenames: base file first, then by index.
func SortChunkFiles(files []string, baseName string) []string {
	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		return ParseChunkIndex(sorted[i], baseName) < ParseChunkIndex(sorted[j], baseName)
	})
	return sorted
}
