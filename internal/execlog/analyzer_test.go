package execlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzer_recompute(t *testing.T) {
	logger := newTestLogger(t)
	analyzer := NewAnalyzer(logger)
	defer analyzer.Stop()

	// two import errors, one fixed
	_, err := logger.LogFailure(&Attempt{
		SessionID:  "s1",
		SourceCode: "import cv2\n",
		Stderr:     "ModuleNotFoundError: No module named 'cv2'",
		ReturnCode: 1,
	})
	require.NoError(t, err)
	_, err = logger.LogSuccess(&Attempt{SessionID: "s1", SourceCode: "import numpy\n"})
	require.NoError(t, err)
	_, err = logger.LogFailure(&Attempt{
		SessionID:  "s2",
		SourceCode: "import cv2\n",
		Stderr:     "ModuleNotFoundError: No module named 'cv2'",
		ReturnCode: 1,
	})
	require.NoError(t, err)
	// one unfixed type error
	_, err = logger.LogFailure(&Attempt{
		SessionID:  "s3",
		Stderr:     "TypeError: unsupported operand",
		ReturnCode: 1,
	})
	require.NoError(t, err)

	analysis, err := analyzer.Recompute()
	require.NoError(t, err)

	assert.Equal(t, 3, analysis.TotalFailures)
	assert.Equal(t, 1, analysis.TotalSuccesses)

	imports := analysis.Categories["import_error"]
	assert.Equal(t, 2, imports.Count)
	assert.Equal(t, 1, imports.Fixed)
	assert.InDelta(t, 0.5, imports.FixRate, 1e-9)
	require.NotEmpty(t, imports.TopMessages)
	assert.Contains(t, imports.TopMessages[0].Message, "No module named 'cv2'")
	assert.Equal(t, 2, imports.TopMessages[0].Count)

	types := analysis.Categories["type_error"]
	assert.Equal(t, 1, types.Count)
	assert.Zero(t, types.Fixed)

	assert.Equal(t, 2, analysis.LibraryFailures["cv2"])

	assert.Contains(t, analysis.LearningContext, "import_error")
	assert.Contains(t, analysis.LearningContext, "type_error")
}

func TestAnalyzer_fullyFixedPairReportsFullFixRate(t *testing.T) {
	logger := newTestLogger(t)
	analyzer := NewAnalyzer(logger)
	defer analyzer.Stop()

	failure, err := logger.LogFailure(&Attempt{
		SessionID:  "s1",
		Stderr:     "ImportError: cannot import name 'x'",
		ReturnCode: 1,
	})
	require.NoError(t, err)
	_, err = logger.LogSuccess(&Attempt{SessionID: "s1", PreviousAttemptID: failure.LogID})
	require.NoError(t, err)

	analysis, err := analyzer.Recompute()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, analysis.Categories["import_error"].FixRate, 1e-9)
}

func TestAnalyzer_latestReadsPersistedFile(t *testing.T) {
	logger := newTestLogger(t)
	analyzer := NewAnalyzer(logger)
	defer analyzer.Stop()

	_, err := logger.LogFailure(&Attempt{Stderr: "ValueError: bad", ReturnCode: 1})
	require.NoError(t, err)

	first, err := analyzer.Recompute()
	require.NoError(t, err)

	loaded, err := analyzer.Latest()
	require.NoError(t, err)
	assert.Equal(t, first.GeneratedAt.Unix(), loaded.GeneratedAt.Unix())
	assert.Equal(t, first.TotalFailures, loaded.TotalFailures)
}

func TestAnalyzer_latestComputesWhenMissing(t *testing.T) {
	logger := newTestLogger(t)
	analyzer := NewAnalyzer(logger)
	defer analyzer.Stop()

	analysis, err := analyzer.Latest()
	require.NoError(t, err)
	assert.Zero(t, analysis.TotalFailures)
	assert.Equal(t, "No unresolved failure patterns recorded.", analysis.LearningContext)
}

func TestBuildLearningContext_ordering(t *testing.T) {
	analysis := &Analysis{
		Categories: map[string]CategoryStats{
			"import_error": {Count: 5, Fixed: 1, FixRate: 0.2, TopMessages: []MessageCount{{Message: "No module named 'cv2'", Count: 4}}},
			"type_error":   {Count: 2, Fixed: 2, FixRate: 1.0},
			"value_error":  {Count: 3, Fixed: 1, FixRate: 1.0 / 3.0},
		},
	}
	context := buildLearningContext(analysis, 5)

	assert.Contains(t, context, "import_error: 4 unfixed of 5")
	assert.Contains(t, context, `most common: "No module named 'cv2'"`)
	assert.NotContains(t, context, "type_error", "fully fixed categories are not unresolved patterns")

	importIdx := len("Recurring unresolved failure patterns:\n")
	assert.Equal(t, "- import_error", context[importIdx:importIdx+len("- import_error")],
		"largest unfixed count comes first")
}
