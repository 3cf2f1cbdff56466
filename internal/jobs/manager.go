package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/debugtrace"
	"github.com/cellvista/scriptbox/internal/execlog"
	"github.com/cellvista/scriptbox/internal/metrics"
	"github.com/cellvista/scriptbox/internal/objects"
	"github.com/cellvista/scriptbox/internal/protocol"
	"github.com/cellvista/scriptbox/internal/runner"
	"github.com/cellvista/scriptbox/pkg/sandbox"
)

// ErrTooBusy rejects a submission when the concurrency cap is saturated.
var ErrTooBusy = errors.New("server is at capacity, try again later")

// SubmitRequest is one job submission after admission-level validation.
type SubmitRequest struct {
	SourceCode        string
	UserID            string
	SessionID         string
	PreviousAttemptID string
	UserPrompt        string
	ModelTag          string
	ScriptParameters  string

	// exactly one input source, or none
	InputImage     []byte
	InputImageName string
	LibraryImage   string // resolved host path

	InjectDebug bool

	// nil means the configured default; zero means an immediate timeout
	Timeout *time.Duration
}

// Result is the terminal outcome of one attempt, already classified.
type Result struct {
	JobID     string
	LogID     string
	SessionID string
	Status    Status

	ReturnCode  int
	Stdout      string
	Stderr      string
	OutputFiles []OutputFile
	Duration    time.Duration
	Progress    float64
	Notes       string

	// set for timed-out jobs so the caller sees the bound that fired
	TimeoutSeconds int

	// Infra marks a failure that happened before or around the guest
	// rather than inside it
	Infra bool

	Diagnostic   *debugtrace.Event
	ErrorMessage string
}

// Manager owns the concurrency cap, the job table, and the end-to-end
// execution path. One Manager per process.
type Manager struct {
	runner   runner.Runner
	logger   *execlog.Logger
	analyzer *execlog.Analyzer
	monitor  *metrics.ResourceMonitor

	sem chan struct{}

	// artifact store for harvested outputs; mirror controls whether
	// harvest copies files into it (false when the filesystem store is
	// rooted at DataDir and the files are already in place)
	artifacts objects.ObjectStore
	mirror    bool

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
}

// NewManager wires a manager over the given backend and log store.
func NewManager(r runner.Runner, logger *execlog.Logger, analyzer *execlog.Analyzer, monitor *metrics.ResourceMonitor) *Manager {
	return &Manager{
		runner:   r,
		logger:   logger,
		analyzer: analyzer,
		monitor:  monitor,
		sem:      make(chan struct{}, config.MaxConcurrent),
		jobs:     map[string]*Job{},
		cancels:  map[string]context.CancelFunc{},
	}
}

// SetArtifactStore attaches the object store harvested outputs are
// served from. With mirror set, harvest copies each output file into
// the store.
func (m *Manager) SetArtifactStore(store objects.ObjectStore, mirror bool) {
	m.artifacts = store
	m.mirror = mirror
}

// Job returns the job table entry for id, or nil.
func (m *Manager) Job(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

// Cancel requests cancellation of a running job. Idempotent: unknown or
// already-terminal jobs are not an error.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Drain blocks until every in-flight job finished. Called on shutdown
// after the listener stopped accepting work.
func (m *Manager) Drain() {
	for i := 0; i < cap(m.sem); i++ {
		m.sem <- struct{}{}
	}
	for i := 0; i < cap(m.sem); i++ {
		<-m.sem
	}
}

// Execute runs one attempt to its terminal state. It blocks for the
// duration of the guest run; concurrency comes from concurrent callers.
func (m *Manager) Execute(ctx context.Context, req *SubmitRequest) (*Result, error) {
	select {
	case m.sem <- struct{}{}:
	default:
		metrics.RecordJobRejected("too_busy")
		return nil, ErrTooBusy
	}
	defer func() { <-m.sem }()

	if strings.TrimSpace(req.SourceCode) == "" {
		metrics.RecordJobRejected("empty_code")
		return nil, fmt.Errorf("source code is required")
	}
	if len(req.ScriptParameters) > config.MaxScriptParams {
		metrics.RecordJobRejected("params_too_large")
		return nil, fmt.Errorf("script_parameters exceeds %d bytes", config.MaxScriptParams)
	}

	job := &Job{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		PreviousAttemptID: req.PreviousAttemptID,
		SourceCode:        req.SourceCode,
		StartedAt:         time.Now(),
		Deadline:          m.resolveTimeout(req.Timeout),
		Status:            StatusPending,
	}
	if job.SessionID == "" {
		job.SessionID = uuid.New().String()
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.monitor.JobStarted()
	defer m.monitor.JobFinished()

	result := m.run(ctx, job, req)

	metrics.RecordJobCompleted(string(result.Status), string(m.runner.Backend()), result.Duration.Seconds())
	m.analyzer.Schedule()
	return result, nil
}

func (m *Manager) resolveTimeout(t *time.Duration) time.Duration {
	if t == nil {
		return time.Duration(config.ScriptTimeout) * time.Second
	}
	max := time.Duration(config.MaxScriptTimeout) * time.Second
	if *t > max {
		return max
	}
	return *t
}

// run drives one attempt through workspace, backend, harvest and log.
func (m *Manager) run(ctx context.Context, job *Job, req *SubmitRequest) *Result {
	logger := logging.Log.WithField("job_id", job.ID).WithField("session_id", job.SessionID)
	start := time.Now()

	result := &Result{
		JobID:     job.ID,
		SessionID: job.SessionID,
	}

	// diagnostic instrumentation is decided before the code hits disk
	code := req.SourceCode
	if !debugtrace.Injected(code) && debugtrace.ShouldActivate(m.consecutiveFailures(job.SessionID), req.InjectDebug) {
		code = debugtrace.Inject(code)
		result.Diagnostic = &debugtrace.Event{
			State:   debugtrace.StateActivated,
			Message: "diagnostic mode activated: trace statements injected after repeated failures",
		}
		metrics.DebugActivations.Inc()
		logger.Info("Diagnostic mode activated")
	}

	// a zero deadline times out before the guest ever exists
	if job.Deadline <= 0 {
		job.Status = StatusRunning
		m.finishTimeout(job, req, code, result, 0, "")
		result.Duration = time.Since(start)
		return result
	}

	workspace, err := NewWorkspace(config.DataDir, job.ID)
	if err != nil {
		return m.finishBackendError(job, req, code, result, start, err)
	}
	job.WorkspacePath = workspace.Root
	defer func() {
		if err := workspace.Remove(); err != nil {
			logger.WithError(err).Warn("Failed to remove workspace")
		}
	}()

	if err := workspace.WriteCode(code); err != nil {
		return m.finishBackendError(job, req, code, result, start, err)
	}

	prepared, err := m.stageInput(workspace, req)
	if err != nil {
		return m.finishBackendError(job, req, code, result, start, err)
	}

	runRequest, err := protocol.BuildRunRequest(protocol.BuildOptions{
		ScriptName:       "main.py",
		ScriptParameters: req.ScriptParameters,
		PreparedImages:   prepared,
	})
	if err != nil {
		return m.finishBackendError(job, req, code, result, start, err)
	}
	requestJSON, err := protocol.EncodeRequest(runRequest)
	if err != nil {
		return m.finishBackendError(job, req, code, result, start, err)
	}
	metrics.RecordJobSubmission(runRequest.RequestType)

	collector := protocol.NewCollector(job.ID)
	onLine := func(line string) []byte {
		if rest, ok := strings.CutPrefix(line, sandbox.Sentinel+" "); ok {
			metrics.RecordGuestMarker(strings.SplitN(rest, " ", 2)[0])
		}
		return collector.HandleLine(line)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Deadline)
	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, job.ID)
		m.mu.Unlock()
	}()

	if err := job.transition(StatusRunning); err != nil {
		return m.finishBackendError(job, req, code, result, start, err)
	}

	runResult, runErr := m.runner.Run(runCtx, &runner.RunSpec{
		JobID:       job.ID,
		Code:        code,
		RequestJSON: requestJSON,
		CodeDir:     workspace.CodeDir,
		InputDir:    workspace.InputDir,
		OutputDir:   workspace.OutputDir,
		Image:       config.RunnerImage,
		Env: map[string]string{
			"SCRIPT_PARAMETERS": req.ScriptParameters,
			"REQUEST_GUID":      runRequest.RequestGUID,
		},
		CPULimit:    config.DefaultCPULimit,
		MemoryLimit: config.DefaultMemoryLimit,
		OnLine:      onLine,
	})

	result.Progress = collector.Progress()
	result.Notes = collector.Notes()
	result.Duration = time.Since(start)

	if runErr != nil {
		kind, _ := runner.KindOf(runErr)
		switch kind {
		case runner.KindTimeout:
			if err := workspace.DiscardOutputs(); err != nil {
				logger.WithError(err).Warn("Failed to discard outputs")
			}
			m.finishTimeout(job, req, code, result, int(job.Deadline.Seconds()), runErr.Error())
		case runner.KindCancelled:
			if err := workspace.DiscardOutputs(); err != nil {
				logger.WithError(err).Warn("Failed to discard outputs")
			}
			m.finishCancelled(job, req, code, result, runErr.Error())
		default:
			m.finishBackendError(job, req, code, result, start, runErr)
		}
		return result
	}

	result.ReturnCode = runResult.ExitCode
	result.Stdout = collector.PlainOutput()
	if result.Stdout == "" {
		result.Stdout = runResult.Stdout
	}
	result.Stderr = runResult.Stderr

	failureReported, failureMessage := collector.FailureReported()
	if runResult.ExitCode == 0 && !failureReported {
		m.finishSuccess(job, req, code, workspace, result, logger)
		return result
	}

	// the cluster backend merges both streams into the pod log; the
	// traceback lives in stdout there, so surface it as stderr for
	// failed runs
	if result.Stderr == "" && m.runner.Backend() == runner.BackendKubernetes {
		result.Stderr = runResult.Stdout
	}

	message := failureMessage
	if message == "" {
		message = fmt.Sprintf("guest exited with code %d", runResult.ExitCode)
	}
	result.ErrorMessage = message
	m.setTerminal(job, StatusFailed)
	result.Status = job.Status
	result.LogID = m.record(false, &execlog.Attempt{
		SourceCode:        code,
		UserID:            req.UserID,
		UserPrompt:        req.UserPrompt,
		ModelTag:          req.ModelTag,
		SessionID:         job.SessionID,
		PreviousAttemptID: req.PreviousAttemptID,
		ReturnCode:        runResult.ExitCode,
		Stderr:            result.Stderr,
		ErrorMessage:      message,
	})
	return result
}

func (m *Manager) finishSuccess(job *Job, req *SubmitRequest, code string, workspace *Workspace, result *Result, logger *logrus.Entry) {
	files, err := workspace.Harvest()
	if err != nil {
		files = nil
	}
	result.OutputFiles = files

	if m.artifacts != nil && m.mirror {
		if err := m.publishOutputs(job.ID, workspace.OutputDir, files); err != nil {
			logger.WithError(err).Warn("Failed to publish outputs to artifact store")
		}
	}

	// a successful run ends diagnostic mode: the caller gets their code
	// back without the injected lines
	if debugtrace.Injected(code) {
		result.Diagnostic = &debugtrace.Event{
			State:       debugtrace.StateDeactivated,
			Message:     "diagnostic mode deactivated: run succeeded, trace statements removed",
			CleanedCode: debugtrace.Strip(code),
		}
	}

	m.setTerminal(job, StatusSucceeded)
	result.Status = job.Status
	result.LogID = m.record(true, &execlog.Attempt{
		SourceCode:        code,
		UserID:            req.UserID,
		UserPrompt:        req.UserPrompt,
		ModelTag:          req.ModelTag,
		SessionID:         job.SessionID,
		PreviousAttemptID: req.PreviousAttemptID,
		ReturnCode:        0,
	})
	logger.Info("Job succeeded")
}

func (m *Manager) finishTimeout(job *Job, req *SubmitRequest, code string, result *Result, timeoutSeconds int, detail string) {
	m.setTerminal(job, StatusTimedOut)
	result.Status = job.Status
	result.TimeoutSeconds = timeoutSeconds
	result.ErrorMessage = fmt.Sprintf("execution exceeded the %d second limit", timeoutSeconds)
	result.OutputFiles = nil
	result.LogID = m.record(false, &execlog.Attempt{
		SourceCode:        code,
		UserID:            req.UserID,
		UserPrompt:        req.UserPrompt,
		ModelTag:          req.ModelTag,
		SessionID:         job.SessionID,
		PreviousAttemptID: req.PreviousAttemptID,
		Stderr:            result.Stderr,
		ErrorMessage:      detail,
		TimedOut:          true,
	})
}

func (m *Manager) finishCancelled(job *Job, req *SubmitRequest, code string, result *Result, detail string) {
	m.setTerminal(job, StatusCancelled)
	result.Status = job.Status
	result.ErrorMessage = "execution cancelled"
	result.OutputFiles = nil
	result.LogID = m.record(false, &execlog.Attempt{
		SourceCode:        code,
		UserID:            req.UserID,
		UserPrompt:        req.UserPrompt,
		ModelTag:          req.ModelTag,
		SessionID:         job.SessionID,
		PreviousAttemptID: req.PreviousAttemptID,
		ErrorMessage:      detail,
		Cancelled:         true,
	})
}

func (m *Manager) finishBackendError(job *Job, req *SubmitRequest, code string, result *Result, start time.Time, err error) *Result {
	logging.Log.WithError(err).WithField("job_id", job.ID).Error("Job failed before guest completion")
	m.setTerminal(job, StatusFailed)
	result.Status = job.Status
	result.Infra = true
	result.ErrorMessage = err.Error()
	result.Duration = time.Since(start)
	result.LogID = m.record(false, &execlog.Attempt{
		SourceCode:        code,
		UserID:            req.UserID,
		UserPrompt:        req.UserPrompt,
		ModelTag:          req.ModelTag,
		SessionID:         job.SessionID,
		PreviousAttemptID: req.PreviousAttemptID,
		ReturnCode:        -1,
		ErrorMessage:      err.Error(),
	})
	return result
}

// publishOutputs copies each harvested file into the artifact store
// under the job's canonical key prefix.
func (m *Manager) publishOutputs(jobID, outputDir string, files []OutputFile) error {
	for _, file := range files {
		f, err := os.Open(filepath.Join(outputDir, filepath.FromSlash(file.Name)))
		if err != nil {
			return err
		}
		key := objects.ArtifactKey(jobID, file.Name)
		err = m.artifacts.Put(context.Background(), key, f, objects.GuessContentType(file.Name))
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// setTerminal moves the job to a terminal state, forcing the
// pending->running hop when the guest never started. The source code is
// dropped here; the execution log holds the authoritative copy.
func (m *Manager) setTerminal(job *Job, to Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == StatusPending {
		_ = job.transition(StatusRunning)
	}
	if err := job.transition(to); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.ID).Error("Invalid job state transition")
	}
	job.SourceCode = ""
	job.FinishedAt = time.Now()
}

// record writes the log entry with a bounded wait. A slow or failing
// logger never blocks job completion; it only bumps the error counter.
func (m *Manager) record(success bool, attempt *execlog.Attempt) string {
	type written struct {
		entry *execlog.LogEntry
		err   error
	}
	ch := make(chan written, 1)
	go func() {
		var entry *execlog.LogEntry
		var err error
		if success {
			entry, err = m.logger.LogSuccess(attempt)
		} else {
			entry, err = m.logger.LogFailure(attempt)
		}
		ch <- written{entry: entry, err: err}
	}()

	deadline := time.Duration(config.LogWriteDeadlineMS) * time.Millisecond
	select {
	case w := <-ch:
		if w.err != nil {
			logging.Log.WithError(w.err).Error("Failed to write execution log entry")
			return ""
		}
		return w.entry.LogID
	case <-time.After(deadline):
		logging.Log.WithField("deadline_ms", config.LogWriteDeadlineMS).
			Error("Execution log write exceeded deadline")
		metrics.RecordLogWrite(false)
		return ""
	}
}

// consecutiveFailures counts the trailing unbroken failure streak in a
// session.
func (m *Manager) consecutiveFailures(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	session, err := m.logger.GetSession(sessionID)
	if err != nil {
		return 0
	}
	count := 0
	for i := len(session.Attempts) - 1; i >= 0; i-- {
		if session.Attempts[i].Outcome != execlog.OutcomeFailure {
			break
		}
		count++
	}
	return count
}

// stageInput materializes the job's input image, if any, and returns
// the prepared-images map for the run request.
func (m *Manager) stageInput(workspace *Workspace, req *SubmitRequest) (map[string]string, error) {
	switch {
	case len(req.InputImage) > 0:
		name := req.InputImageName
		if name == "" {
			name = "input.png"
		}
		guestPath, err := workspace.StageInput(name, bytes.NewReader(req.InputImage))
		if err != nil {
			return nil, err
		}
		return map[string]string{"0": guestPath}, nil

	case req.LibraryImage != "":
		f, err := os.Open(req.LibraryImage)
		if err != nil {
			return nil, fmt.Errorf("failed to open library image: %w", err)
		}
		defer f.Close()
		guestPath, err := workspace.StageInput(req.LibraryImage, f)
		if err != nil {
			return nil, err
		}
		return map[string]string{"0": guestPath}, nil
	}
	return nil, nil
}
