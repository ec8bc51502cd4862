// Package redact scrubs secrets from transcript and prompt content before it
// is written to the metadata ref. Detection is layered: gitleaks' rule set
// catches known secret formats, and a Shannon-entropy pass catches opaque
// high-entropy tokens the rules miss. Either layer flagging a span redacts it.
package redact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// placeholder replaces every redacted span.
const placeholder = "REDACTED"

// candidatePattern matches token-shaped runs worth an entropy check.
var candidatePattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

// entropyThreshold is the minimum Shannon entropy for a candidate to count
// as a secret. Typical API keys sit above 5.0; common identifiers stay well
// below 4.5.
const entropyThreshold = 4.5

var (
	detectorOnce sync.Once
	detector     *detect.Detector
)

func getDetector() *detect.Detector {
	detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		detector = d
	})
	return detector
}

// span is a byte range to redact.
type span struct{ start, end int }

// String returns s with detected secrets replaced by the placeholder.
func String(s string) string {
	var spans []span

	for _, loc := range candidatePattern.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}

	if d := getDetector(); d != nil {
		for _, finding := range d.DetectString(s) {
			if finding.Secret == "" {
				continue
			}
			from := 0
			for {
				idx := strings.Index(s[from:], finding.Secret)
				if idx < 0 {
					break
				}
				abs := from + idx
				spans = append(spans, span{abs, abs + len(finding.Secret)})
				from = abs + len(finding.Secret)
			}
		}
	}

	if len(spans) == 0 {
		return s
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, r := range spans[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
		} else {
			merged = append(merged, r)
		}
	}

	var b strings.Builder
	prev := 0
	for _, r := range merged {
		b.WriteString(s[prev:r.start])
		b.WriteString(placeholder)
		prev = r.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

// Bytes is String for byte content.
func Bytes(content []byte) []byte {
	s := string(content)
	redacted := String(s)
	if redacted == s {
		return content
	}
	return []byte(redacted)
}

// Lines redacts JSONL content line by line. Each line is parsed as JSON so
// that only string *values* are scanned: identifier fields (keys named
// "signature" or ending in id/ids) and image payload objects are skipped
// rather than mangled. Lines that do not parse fall back to a plain String
// pass. Line boundaries are preserved, so chunked transcripts keep their
// line counts after redaction.
func Lines(content []byte) []byte {
	lines := strings.Split(string(content), "\n")
	changed := false
	for i, line := range lines {
		redacted := redactJSONLine(line)
		if redacted != line {
			lines[i] = redacted
			changed = true
		}
	}
	if !changed {
		return content
	}
	return []byte(strings.Join(lines, "\n"))
}

// redactJSONLine redacts one JSONL line by targeted replacement of flagged
// string values inside the raw bytes, leaving formatting untouched.
func redactJSONLine(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return line
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return String(line)
	}

	repls := collectReplacements(parsed)
	if len(repls) == 0 {
		return line
	}
	result := line
	for _, r := range repls {
		origJSON, err := jsonEncodeString(r[0])
		if err != nil {
			continue
		}
		redactedJSON, err := jsonEncodeString(r[1])
		if err != nil {
			continue
		}
		result = strings.ReplaceAll(result, origJSON, redactedJSON)
	}
	return result
}

// collectReplacements walks a parsed JSON value and gathers unique
// (original, redacted) pairs for string values that need scrubbing.
func collectReplacements(v any) [][2]string {
	seen := make(map[string]bool)
	var repls [][2]string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if skipObject(val) {
				return
			}
			for key, child := range val {
				if skipField(key) {
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		case string:
			redacted := String(val)
			if redacted != val && !seen[val] {
				seen[val] = true
				repls = append(repls, [2]string{val, redacted})
			}
		}
	}
	walk(v)
	return repls
}

// skipField excludes identifier-ish keys from scanning: "signature" exactly,
// plus any key ending in id/ids (session_id, tool_use_id, uuid, …). Their
// values are high-entropy by construction and redacting them would corrupt
// the transcript's cross-references.
func skipField(key string) bool {
	if key == "signature" {
		return true
	}
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, "id") || strings.HasSuffix(lower, "ids")
}

// skipObject excludes image payload objects, whose base64 bodies would
// always trip the entropy check.
func skipObject(obj map[string]any) bool {
	t, ok := obj["type"].(string)
	return ok && (strings.HasPrefix(t, "image") || t == "base64")
}

// jsonEncodeString returns the JSON encoding of s without HTML escaping, so
// the replacement matches the bytes as they appear on the line.
func jsonEncodeString(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("json encode string: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Strings redacts each element of a string slice, returning the input slice
// when nothing changed.
func Strings(values []string) []string {
	changed := false
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = String(v)
		if out[i] != v {
			changed = true
		}
	}
	if !changed {
		return values
	}
	return out
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[byte]int)
	for i := range len(s) {
		freq[s[i]]++
	}
	length := float64(len(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
