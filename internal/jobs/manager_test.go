package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/debugtrace"
	"github.com/cellvista/scriptbox/internal/execlog"
	"github.com/cellvista/scriptbox/internal/metrics"
	"github.com/cellvista/scriptbox/internal/runner"
)

// fakeRunner scripts the backend so manager tests never touch docker or
// kubernetes.
type fakeRunner struct {
	run     func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error)
	backend runner.Backend

	mu    sync.Mutex
	calls []*runner.RunSpec
}

var _ runner.Runner = (*fakeRunner)(nil)

func (f *fakeRunner) Run(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()
	return f.run(ctx, spec)
}

func (f *fakeRunner) Backend() runner.Backend {
	if f.backend != "" {
		return f.backend
	}
	return runner.BackendDocker
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, fake *fakeRunner) (*Manager, *execlog.Logger) {
	t.Helper()

	prevDataDir := config.DataDir
	config.DataDir = t.TempDir()
	t.Cleanup(func() { config.DataDir = prevDataDir })

	logger, err := execlog.NewLogger(filepath.Join(config.DataDir, "execution_logs"))
	require.NoError(t, err)
	analyzer := execlog.NewAnalyzer(logger)
	t.Cleanup(analyzer.Stop)
	monitor := metrics.NewResourceMonitor(config.MaxConcurrent)

	return NewManager(fake, logger, analyzer, monitor), logger
}

func exitWith(code int, stderr string) func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
	return func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
		return &runner.Result{ExitCode: code, Stderr: stderr}, nil
	}
}

func TestManager_executeSuccess(t *testing.T) {
	fake := &fakeRunner{
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			spec.OnLine("counting nuclei")
			spec.OnLine("##SBX## log_info processing tile 1/4")
			spec.OnLine("##SBX## report_progress 50")
			require.NoError(t, os.WriteFile(filepath.Join(spec.OutputDir, "overlay.png"), []byte("img"), 0o644))
			return &runner.Result{ExitCode: 0}, nil
		},
	}
	m, logger := newTestManager(t, fake)

	res, err := m.Execute(context.Background(), &SubmitRequest{
		SourceCode: "print('counting nuclei')\n",
		UserID:     "u1",
		SessionID:  "sess-1",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.NotEmpty(t, res.JobID)
	assert.NotEmpty(t, res.LogID)
	assert.Contains(t, res.Stdout, "counting nuclei")
	assert.InDelta(t, 50.0, res.Progress, 0.001)

	require.Len(t, res.OutputFiles, 1)
	assert.Equal(t, "overlay.png", res.OutputFiles[0].Name)
	assert.Equal(t, "/outputs/"+res.JobID+"/overlay.png", res.OutputFiles[0].URL)
	assert.Equal(t, "image", res.OutputFiles[0].Type)

	// workspace is gone, outputs survive for serving
	_, err = os.Stat(filepath.Join(config.DataDir, "workspaces", res.JobID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(config.DataDir, "outputs", res.JobID, "overlay.png"))
	assert.NoError(t, err)

	session, err := logger.GetSession("sess-1")
	require.NoError(t, err)
	assert.True(t, session.Resolved())

	job := m.Job(res.JobID)
	require.NotNil(t, job)
	assert.Equal(t, StatusSucceeded, job.Status)
}

func TestManager_reportedFailureBeatsExitZero(t *testing.T) {
	fake := &fakeRunner{
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			spec.OnLine("##SBX## report_failure no tiles matched the filter")
			return &runner.Result{ExitCode: 0}, nil
		},
	}
	m, logger := newTestManager(t, fake)

	res, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "x = 1", SessionID: "s"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "no tiles matched the filter", res.ErrorMessage)

	entry, err := logger.GetLog(res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.OutcomeFailure, entry.Outcome)
}

func TestManager_nonzeroExitFails(t *testing.T) {
	fake := &fakeRunner{run: exitWith(3, "Traceback (most recent call last):\nKeyError: 'dapi'")}
	m, logger := newTestManager(t, fake)

	res, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "d['dapi']", SessionID: "s"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ReturnCode)
	assert.Equal(t, "Traceback (most recent call last):\nKeyError: 'dapi'", res.Stderr)
	assert.Equal(t, "guest exited with code 3", res.ErrorMessage)

	entry, err := logger.GetLog(res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.CategoryDataAccessError, entry.Category)
}

func TestManager_mergedPodLogsClassified(t *testing.T) {
	podLog := "loading slide\nTraceback (most recent call last):\nModuleNotFoundError: No module named 'cv2'"
	fake := &fakeRunner{
		backend: runner.BackendKubernetes,
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			return &runner.Result{ExitCode: 1, Stdout: podLog, Stderr: ""}, nil
		},
	}
	m, logger := newTestManager(t, fake)

	res, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "import cv2", SessionID: "s"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, podLog, res.Stderr)

	entry, err := logger.GetLog(res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.CategoryImportError, entry.Category)
}

func TestManager_timeoutDiscardsOutputs(t *testing.T) {
	fake := &fakeRunner{
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			require.NoError(t, os.WriteFile(filepath.Join(spec.OutputDir, "partial.png"), []byte("x"), 0o644))
			return nil, &runner.Error{Kind: runner.KindTimeout, Op: "wait", Err: context.DeadlineExceeded}
		},
	}
	m, logger := newTestManager(t, fake)

	timeout := 30 * time.Second
	res, err := m.Execute(context.Background(), &SubmitRequest{
		SourceCode: "while True: pass",
		SessionID:  "s",
		Timeout:    &timeout,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, 30, res.TimeoutSeconds)
	assert.Contains(t, res.ErrorMessage, "30 second limit")
	assert.Empty(t, res.OutputFiles)

	_, err = os.Stat(filepath.Join(config.DataDir, "outputs", res.JobID))
	assert.True(t, os.IsNotExist(err))

	entry, err := logger.GetLog(res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.CategoryTimeout, entry.Category)
}

func TestManager_cancelled(t *testing.T) {
	fake := &fakeRunner{
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			return nil, &runner.Error{Kind: runner.KindCancelled, Op: "wait", Err: context.Canceled}
		},
	}
	m, _ := newTestManager(t, fake)

	res, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "x", SessionID: "s"})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, "execution cancelled", res.ErrorMessage)
	assert.Empty(t, res.OutputFiles)
}

func TestManager_zeroTimeoutNeverReachesBackend(t *testing.T) {
	fake := &fakeRunner{run: exitWith(0, "")}
	m, _ := newTestManager(t, fake)

	zero := time.Duration(0)
	res, err := m.Execute(context.Background(), &SubmitRequest{
		SourceCode: "x",
		SessionID:  "s",
		Timeout:    &zero,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, 0, res.TimeoutSeconds)
	assert.Equal(t, 0, fake.callCount())
}

func TestManager_tooBusy(t *testing.T) {
	prev := config.MaxConcurrent
	config.MaxConcurrent = 1
	defer func() { config.MaxConcurrent = prev }()

	release := make(chan struct{})
	started := make(chan struct{})
	fake := &fakeRunner{
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			close(started)
			<-release
			return &runner.Result{ExitCode: 0}, nil
		},
	}
	m, _ := newTestManager(t, fake)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "x", SessionID: "a"})
		assert.NoError(t, err)
	}()
	<-started

	_, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "y", SessionID: "b"})
	assert.ErrorIs(t, err, ErrTooBusy)

	close(release)
	<-done
}

func TestManager_admissionValidation(t *testing.T) {
	fake := &fakeRunner{run: exitWith(0, "")}
	m, _ := newTestManager(t, fake)

	_, err := m.Execute(context.Background(), &SubmitRequest{SourceCode: "   \n"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source code is required")

	_, err = m.Execute(context.Background(), &SubmitRequest{
		SourceCode:       "x",
		ScriptParameters: strings.Repeat("p", config.MaxScriptParams+1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script_parameters exceeds")

	assert.Equal(t, 0, fake.callCount())
}

func TestManager_cancelUnknownJob(t *testing.T) {
	m, _ := newTestManager(t, &fakeRunner{run: exitWith(0, "")})
	assert.False(t, m.Cancel("no-such-job"))
}

func TestManager_diagnosticLifecycle(t *testing.T) {
	source := "import numpy\nresult = numpy.mean(data)\n"

	fake := &fakeRunner{run: exitWith(1, "NameError: name 'data' is not defined")}
	m, logger := newTestManager(t, fake)

	// first attempt fails without instrumentation
	res, err := m.Execute(context.Background(), &SubmitRequest{
		SourceCode:  source,
		SessionID:   "sess-dbg",
		InjectDebug: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	assert.Nil(t, res.Diagnostic)

	fake.mu.Lock()
	firstCode := fake.calls[0].Code
	fake.mu.Unlock()
	assert.NotContains(t, firstCode, "[AUTO-DEBUG]")

	// the retry after one failure already runs instrumented code
	res, err = m.Execute(context.Background(), &SubmitRequest{
		SourceCode:  source,
		SessionID:   "sess-dbg",
		InjectDebug: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, debugtrace.StateActivated, res.Diagnostic.State)

	fake.mu.Lock()
	secondCode := fake.calls[1].Code
	fake.mu.Unlock()
	assert.Contains(t, secondCode, "[AUTO-DEBUG]")

	fake.mu.Lock()
	fake.calls = nil
	fake.mu.Unlock()
	fake.run = exitWith(0, "")

	res, err = m.Execute(context.Background(), &SubmitRequest{
		SourceCode:  source,
		SessionID:   "sess-dbg",
		InjectDebug: true,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, debugtrace.StateDeactivated, res.Diagnostic.State)
	assert.Equal(t, source, res.Diagnostic.CleanedCode)

	fake.mu.Lock()
	ranCode := fake.calls[0].Code
	fake.mu.Unlock()
	assert.Contains(t, ranCode, "[AUTO-DEBUG]")

	session, err := logger.GetSession("sess-dbg")
	require.NoError(t, err)
	assert.True(t, session.Resolved())
	require.Len(t, session.Attempts, 3)
	for _, attempt := range session.Attempts[:2] {
		assert.Equal(t, session.Attempts[2].LogID, attempt.FixedBy)
	}
}

func TestManager_stagedInputReachesRunner(t *testing.T) {
	var sawInput string
	fake := &fakeRunner{
		run: func(ctx context.Context, spec *runner.RunSpec) (*runner.Result, error) {
			entries, err := os.ReadDir(spec.InputDir)
			require.NoError(t, err)
			if len(entries) > 0 {
				sawInput = entries[0].Name()
			}
			return &runner.Result{ExitCode: 0}, nil
		},
	}
	m, _ := newTestManager(t, fake)

	res, err := m.Execute(context.Background(), &SubmitRequest{
		SourceCode:     "x",
		SessionID:      "s",
		InputImage:     []byte("tiffbytes"),
		InputImageName: "slide.tif",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "slide.tif", sawInput)
}
