// Package debugtrace rewrites guest source to insert trace statements
// after repeated failures, and strips them back out. Every injected
// line carries the sentinel, so injection is detectable and removal is
// exact.
package debugtrace

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cellvista/scriptbox/internal/config"
)

// Sentinel prefixes every injected trace statement.
const Sentinel = "[AUTO-DEBUG]"

// Event states surfaced to the admission layer.
const (
	StateActivated   = "activated"
	StateDeactivated = "deactivated"
)

// Event reports a diagnostic mode transition for one attempt.
type Event struct {
	State       string `json:"state"`
	Message     string `json:"message"`
	CleanedCode string `json:"cleaned_code,omitempty"`
}

// ShouldActivate reports whether instrumentation applies to this
// attempt. The current attempt counts toward the failing streak, so
// with the default threshold of 2 the second attempt after one failure
// is already instrumented. The caller must have opted in explicitly;
// the engine never rewrites code silently.
func ShouldActivate(consecutiveFailures int, optIn bool) bool {
	return optIn && consecutiveFailures+1 >= config.DebugFailureThreshold
}

// Injected reports whether the source already carries trace statements.
func Injected(source string) bool {
	return strings.Contains(source, Sentinel)
}

var (
	importLine  = regexp.MustCompile(`^(?:import|from)\s+\S+`)
	exceptLine  = regexp.MustCompile(`^(\s*)except(?:\s+[^\n:]*)?:`)
	imageLoad   = regexp.MustCompile(`\b(?:imread|Image\.open|load_image)\s*\(`)
	indentOfRow = regexp.MustCompile(`^(\s*)\S`)
)

// Inject inserts sentinel-prefixed trace statements at anchor points:
// after the leading import block, after image-load calls, and inside
// except handlers. Applying it to already-instrumented source returns
// the source unchanged. Only whole lines are added; user lines are
// never edited.
func Inject(source string) string {
	if Injected(source) {
		return source
	}

	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines)+8)

	importBlockTraced := false
	for i, line := range lines {
		out = append(out, line)
		lineNo := i + 1

		if !importBlockTraced && importLine.MatchString(line) && !nextLineIsImport(lines, i) {
			out = append(out, traceLine("", fmt.Sprintf("imports complete (line %d)", lineNo)))
			importBlockTraced = true
			continue
		}

		if m := exceptLine.FindStringSubmatch(line); m != nil {
			indent := bodyIndent(lines, i, m[1])
			out = append(out, indent+fmt.Sprintf(
				`print("%s exception at line %d:", __import__("traceback").format_exc(), flush=True)`,
				Sentinel, lineNo))
			continue
		}

		if imageLoad.MatchString(line) {
			out = append(out, traceLine(lineIndent(line), fmt.Sprintf("image load passed (line %d)", lineNo)))
		}
	}

	return strings.Join(out, "\n")
}

// Strip removes every injected line, restoring the pre-injection source
// byte-for-byte.
func Strip(source string) string {
	if !Injected(source) {
		return source
	}
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, Sentinel) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func traceLine(indent, message string) string {
	return fmt.Sprintf(`%sprint("%s %s", flush=True)`, indent, Sentinel, message)
}

func lineIndent(line string) string {
	if m := indentOfRow.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// nextLineIsImport reports whether the import block continues past i.
func nextLineIsImport(lines []string, i int) bool {
	for j := i + 1; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == "" {
			continue
		}
		return importLine.MatchString(lines[j])
	}
	return false
}

// bodyIndent picks the indentation for a statement inserted inside the
// except handler starting at line i.
func bodyIndent(lines []string, i int, exceptIndent string) string {
	for j := i + 1; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "" {
			continue
		}
		indent := lineIndent(lines[j])
		if len(indent) > len(exceptIndent) {
			return indent
		}
		break
	}
	return exceptIndent + "    "
}
