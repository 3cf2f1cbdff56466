package execlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
)

const analysisFile = "latest_analysis.json"

// MessageCount is one specific error message with its occurrence count.
type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// CategoryStats aggregates one failure category.
type CategoryStats struct {
	Count       int            `json:"count"`
	Fixed       int            `json:"fixed"`
	FixRate     float64        `json:"fix_rate"`
	TopMessages []MessageCount `json:"top_messages,omitempty"`
}

// Analysis is the persisted aggregate picture of the failure store.
type Analysis struct {
	GeneratedAt     time.Time                `json:"generated_at"`
	TotalFailures   int                      `json:"total_failures"`
	TotalSuccesses  int                      `json:"total_successes"`
	Categories      map[string]CategoryStats `json:"categories"`
	LibraryFailures map[string]int           `json:"library_failures,omitempty"`
	LearningContext string                   `json:"learning_context"`
}

// Analyzer computes aggregate failure patterns off the hot path. A
// single-worker pool serializes recomputes so concurrent job
// completions coalesce instead of racing on the analysis file.
type Analyzer struct {
	logger *Logger
	pool   *workerpool.WorkerPool
}

// NewAnalyzer creates an analyzer over the given store.
func NewAnalyzer(logger *Logger) *Analyzer {
	return &Analyzer{
		logger: logger,
		pool:   workerpool.New(1),
	}
}

// Schedule queues a recompute after a terminal outcome was recorded.
func (a *Analyzer) Schedule() {
	a.pool.Submit(func() {
		if _, err := a.Recompute(); err != nil {
			logging.Log.WithError(err).Error("Failed to recompute log analysis")
		}
	})
}

// Stop drains pending recomputes. Called on shutdown.
func (a *Analyzer) Stop() {
	a.pool.StopWait()
}

// Latest returns the persisted analysis, recomputing when none exists.
func (a *Analyzer) Latest() (*Analysis, error) {
	path := filepath.Join(a.logger.Root(), analysisDir, analysisFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return a.Recompute()
	}
	var analysis Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return nil, fmt.Errorf("corrupt analysis file: %w", err)
	}
	return &analysis, nil
}

// Recompute scans the store and persists a fresh analysis.
func (a *Analyzer) Recompute() (*Analysis, error) {
	failures, err := a.logger.listEntries(failuresDir)
	if err != nil {
		return nil, err
	}
	successes, err := a.logger.listEntries(successesDir)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{
		GeneratedAt:     time.Now().UTC(),
		TotalFailures:   len(failures),
		TotalSuccesses:  len(successes),
		Categories:      map[string]CategoryStats{},
		LibraryFailures: map[string]int{},
	}

	messages := map[string]map[string]int{}
	for _, f := range failures {
		cat := string(f.Category)
		stats := analysis.Categories[cat]
		stats.Count++
		if f.FixedBy != "" {
			stats.Fixed++
		}
		analysis.Categories[cat] = stats

		if messages[cat] == nil {
			messages[cat] = map[string]int{}
		}
		if msg := headline(&f); msg != "" {
			messages[cat][msg]++
		}

		for _, tag := range f.Tags {
			if strings.HasPrefix(tag, "lib:") {
				analysis.LibraryFailures[strings.TrimPrefix(tag, "lib:")]++
			}
		}
	}

	for cat, stats := range analysis.Categories {
		stats.FixRate = float64(stats.Fixed) / float64(stats.Count)
		stats.TopMessages = topMessages(messages[cat], 3)
		analysis.Categories[cat] = stats
	}

	analysis.LearningContext = buildLearningContext(analysis, 5)

	path := filepath.Join(a.logger.Root(), analysisDir, analysisFile)
	if err := writeJSONAtomic(path, analysis); err != nil {
		return nil, err
	}
	return analysis, nil
}

// headline condenses a failure into one comparable message line.
func headline(entry *LogEntry) string {
	if entry.ErrorMessage != "" {
		return truncate(firstLine(entry.ErrorMessage), 160)
	}
	// the last stderr line naming an error is usually the traceback tail
	lines := strings.Split(strings.TrimSpace(entry.Stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.Contains(line, "Error") {
			return truncate(line, 160)
		}
	}
	if len(lines) > 0 && lines[len(lines)-1] != "" {
		return truncate(strings.TrimSpace(lines[len(lines)-1]), 160)
	}
	return ""
}

func topMessages(counts map[string]int, n int) []MessageCount {
	out := make([]MessageCount, 0, len(counts))
	for msg, count := range counts {
		out = append(out, MessageCount{Message: msg, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// buildLearningContext renders the top unresolved patterns as a short
// plain-text block for the AI assistant prompt.
func buildLearningContext(analysis *Analysis, topN int) string {
	type pattern struct {
		category string
		stats    CategoryStats
		unfixed  int
	}
	patterns := make([]pattern, 0, len(analysis.Categories))
	for cat, stats := range analysis.Categories {
		unfixed := stats.Count - stats.Fixed
		if unfixed > 0 {
			patterns = append(patterns, pattern{category: cat, stats: stats, unfixed: unfixed})
		}
	}
	if len(patterns) == 0 {
		return "No unresolved failure patterns recorded."
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].unfixed != patterns[j].unfixed {
			return patterns[i].unfixed > patterns[j].unfixed
		}
		return patterns[i].category < patterns[j].category
	})
	if len(patterns) > topN {
		patterns = patterns[:topN]
	}

	var b strings.Builder
	b.WriteString("Recurring unresolved failure patterns:\n")
	for _, p := range patterns {
		fmt.Fprintf(&b, "- %s: %d unfixed of %d (fix rate %.0f%%)", p.category, p.unfixed, p.stats.Count, p.stats.FixRate*100)
		if len(p.stats.TopMessages) > 0 {
			fmt.Fprintf(&b, "; most common: %q", p.stats.TopMessages[0].Message)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
