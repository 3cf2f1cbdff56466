package execlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"

	"github.com/cellvista/scriptbox/internal/metrics"
)

const (
	failuresDir  = "failures"
	successesDir = "successes"
	sessionsDir  = "sessions"
	analysisDir  = "analysis"
)

// ErrNotFound marks lookups of log entries or sessions that do not
// exist.
var ErrNotFound = errors.New("not found")

// Logger persists attempt records under a root directory:
//
//	failures/YYYY-MM-DD/{log_id}.json
//	successes/YYYY-MM-DD/{log_id}.json
//	sessions/{session_id}.json
//	analysis/latest_analysis.json
//
// Entry writes are atomic (write-temp-then-rename). Session updates
// hold a per-session mutex across the append+resolve step.
type Logger struct {
	root string

	mu          sync.Mutex
	sessionLock map[string]*sync.Mutex
}

// NewLogger creates a logger rooted at dir, creating the layout.
func NewLogger(dir string) (*Logger, error) {
	for _, sub := range []string{failuresDir, successesDir, sessionsDir, analysisDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", sub, err)
		}
	}
	return &Logger{root: dir, sessionLock: map[string]*sync.Mutex{}}, nil
}

// Root returns the store's root directory.
func (l *Logger) Root() string {
	return l.root
}

// LogSuccess records a successful attempt and resolves its session.
func (l *Logger) LogSuccess(a *Attempt) (*LogEntry, error) {
	entry := l.newEntry(a, OutcomeSuccess)
	return entry, l.persist(entry)
}

// LogFailure records a failed attempt with a derived category.
func (l *Logger) LogFailure(a *Attempt) (*LogEntry, error) {
	entry := l.newEntry(a, OutcomeFailure)
	entry.Category = DeriveCategory(a)
	return entry, l.persist(entry)
}

func (l *Logger) newEntry(a *Attempt, outcome string) *LogEntry {
	return &LogEntry{
		LogID:             uuid.New().String(),
		Timestamp:         time.Now().UTC(),
		Outcome:           outcome,
		CodeHash:          hashCode(a.SourceCode),
		SourceCode:        a.SourceCode,
		UserID:            a.UserID,
		UserPrompt:        a.UserPrompt,
		ModelTag:          a.ModelTag,
		ErrorMessage:      a.ErrorMessage,
		Stderr:            a.Stderr,
		ReturnCode:        a.ReturnCode,
		SessionID:         a.SessionID,
		PreviousAttemptID: a.PreviousAttemptID,
		Tags:              LibraryTags(a.SourceCode),
	}
}

func (l *Logger) persist(entry *LogEntry) error {
	if err := writeJSONAtomic(l.entryPath(entry.Outcome, entry.Timestamp, entry.LogID), entry); err != nil {
		metrics.RecordLogWrite(false)
		return err
	}
	if entry.SessionID != "" {
		if err := l.updateSession(entry); err != nil {
			metrics.RecordLogWrite(false)
			return err
		}
	}
	metrics.RecordLogWrite(true)
	return nil
}

func (l *Logger) entryPath(outcome string, ts time.Time, logID string) string {
	sub := failuresDir
	if outcome == OutcomeSuccess {
		sub = successesDir
	}
	return filepath.Join(l.root, sub, ts.Format("2006-01-02"), logID+".json")
}

func (l *Logger) lockSession(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.sessionLock[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.sessionLock[sessionID] = m
	}
	return m
}

// updateSession appends the attempt and, on success, resolves the
// session and back-points every unfixed earlier failure at this entry.
func (l *Logger) updateSession(entry *LogEntry) error {
	m := l.lockSession(entry.SessionID)
	m.Lock()
	defer m.Unlock()

	path := filepath.Join(l.root, sessionsDir, entry.SessionID+".json")

	session := &Session{SessionID: entry.SessionID, CreatedAt: entry.Timestamp}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, session); err != nil {
			return fmt.Errorf("corrupt session file %s: %w", path, err)
		}
	}

	session.Attempts = append(session.Attempts, SessionAttempt{
		LogID:     entry.LogID,
		Outcome:   entry.Outcome,
		Timestamp: entry.Timestamp,
	})

	if entry.Outcome == OutcomeSuccess {
		if session.ResolvedAt == nil {
			resolved := entry.Timestamp
			session.ResolvedAt = &resolved
		}
		for i := range session.Attempts {
			attempt := &session.Attempts[i]
			if attempt.Outcome == OutcomeFailure && attempt.FixedBy == "" {
				attempt.FixedBy = entry.LogID
				if err := l.setFixedBy(attempt, entry.LogID); err != nil {
					logging.Log.WithError(err).WithField("log_id", attempt.LogID).
						Warn("Failed to set fixed_by back-pointer")
				}
			}
		}
	}

	return writeJSONAtomic(path, session)
}

// setFixedBy rewrites a failure entry with its back-pointer set. This is
// the single permitted mutation of a written entry.
func (l *Logger) setFixedBy(attempt *SessionAttempt, fixedBy string) error {
	path := l.entryPath(OutcomeFailure, attempt.Timestamp, attempt.LogID)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entry LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	entry.FixedBy = fixedBy
	return writeJSONAtomic(path, &entry)
}

// GetLog loads one entry by id, searching both outcome partitions.
func (l *Logger) GetLog(logID string) (*LogEntry, error) {
	for _, sub := range []string{failuresDir, successesDir} {
		matches, _ := filepath.Glob(filepath.Join(l.root, sub, "*", logID+".json"))
		if len(matches) == 0 {
			continue
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			return nil, err
		}
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("corrupt log entry %s: %w", matches[0], err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("log entry %s: %w", logID, ErrNotFound)
}

// GetSession loads one session by id.
func (l *Logger) GetSession(sessionID string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(l.root, sessionsDir, sessionID+".json"))
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("corrupt session file: %w", err)
	}
	return &session, nil
}

// RecentFailures returns up to limit failure entries, newest first.
func (l *Logger) RecentFailures(limit int, unfixedOnly bool) ([]LogEntry, error) {
	entries, err := l.listEntries(failuresDir)
	if err != nil {
		return nil, err
	}
	if unfixedOnly {
		filtered := entries[:0]
		for _, e := range entries {
			if e.FixedBy == "" {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// RecentSuccesses returns up to limit success entries, newest first.
func (l *Logger) RecentSuccesses(limit int) ([]LogEntry, error) {
	entries, err := l.listEntries(successesDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (l *Logger) listEntries(sub string) ([]LogEntry, error) {
	matches, err := filepath.Glob(filepath.Join(l.root, sub, "*", "*.json"))
	if err != nil {
		return nil, err
	}
	entries := make([]LogEntry, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			logging.Log.WithField("path", path).Warn("Skipping corrupt log entry")
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

// Summarize aggregates counts over the whole store.
func (l *Logger) Summarize() (*Summary, error) {
	failures, err := l.listEntries(failuresDir)
	if err != nil {
		return nil, err
	}
	successes, err := l.listEntries(successesDir)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalFailures:  len(failures),
		TotalSuccesses: len(successes),
		ByCategory:     map[string]int{},
	}
	for _, f := range failures {
		summary.ByCategory[string(f.Category)]++
		if f.FixedBy == "" {
			summary.UnfixedFailures++
		}
	}

	sessions, _ := filepath.Glob(filepath.Join(l.root, sessionsDir, "*.json"))
	summary.TotalSessions = len(sessions)
	for _, path := range sessions {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		if session.Resolved() {
			summary.ResolvedSessions++
		}
	}
	return summary, nil
}

// Clear removes every record in the store and recreates the layout.
func (l *Logger) Clear() error {
	l.mu.Lock()
	l.sessionLock = map[string]*sync.Mutex{}
	l.mu.Unlock()

	for _, sub := range []string{failuresDir, successesDir, sessionsDir, analysisDir} {
		path := filepath.Join(l.root, sub)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to clear %s: %w", sub, err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DeriveCategory maps a failed attempt to its category by substring
// matching on stderr and the error message.
func DeriveCategory(a *Attempt) Category {
	if a.Cancelled {
		return CategoryCancelled
	}
	if a.TimedOut || a.ReturnCode == 124 {
		return CategoryTimeout
	}

	haystack := a.Stderr + "\n" + a.ErrorMessage
	switch {
	case strings.Contains(haystack, "ModuleNotFoundError") || strings.Contains(haystack, "ImportError"):
		return CategoryImportError
	case strings.Contains(haystack, "AttributeError"):
		return CategoryAttributeError
	case strings.Contains(haystack, "KeyError") || strings.Contains(haystack, "IndexError"):
		return CategoryDataAccessError
	case strings.Contains(haystack, "TypeError"):
		return CategoryTypeError
	case strings.Contains(haystack, "ValueError"):
		return CategoryValueError
	default:
		return CategoryRuntimeError
	}
}

var importPattern = regexp.MustCompile(`(?m)^\s*(?:from|import)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// LibraryTags extracts lib:<name> tags from the source's top-level
// imports for library-level failure aggregation.
func LibraryTags(source string) []string {
	seen := map[string]bool{}
	var tags []string
	for _, match := range importPattern.FindAllStringSubmatch(source, -1) {
		name := match[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		tags = append(tags, "lib:"+name)
	}
	sort.Strings(tags)
	return tags
}

func hashCode(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// writeJSONAtomic writes v as JSON via a temp file in the target dir
// followed by a rename, so readers never observe partial records.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
