package runner

import (
	"context"
	"time"
)

// Backend identifies the container runtime behind a Runner.
type Backend string

const (
	// BackendDocker talks to a local Docker daemon
	BackendDocker Backend = "docker"

	// BackendKubernetes creates pods through the cluster API
	BackendKubernetes Backend = "kubernetes"
)

// LineHandler observes one guest stdout line. A non-nil return value is
// written to the guest's stdin as a confirmation reply. The local
// backend invokes it live; the cluster backend invokes it after the pod
// exits and discards replies.
type LineHandler func(line string) (reply []byte)

// RunSpec describes one guest execution.
type RunSpec struct {
	JobID string

	// Guest program text; materialized at /code/main.py inside the guest
	Code string

	// RequestJSON is delivered on the guest's stdin as one line
	RequestJSON []byte

	// Host workspace subtrees bound into the guest
	CodeDir   string
	InputDir  string
	OutputDir string

	Image string
	Env   map[string]string

	// Resource limits; empty means the configured defaults
	CPULimit    string
	MemoryLimit string

	OnLine LineHandler
}

// Result is what a completed guest run produced. The runner returns it
// whenever the guest actually ran, including non-zero exits; run-level
// failures (not started, timeout, cancel, backend fault) come back as
// *Error instead.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Handle names the backend resource (container id / pod name) for
	// diagnostics; it is already destroyed by the time Run returns.
	Handle string
}

// Runner executes guest programs in ephemeral isolated containers.
// Implementations guarantee the container is destroyed on every return
// path: success, guest error, timeout, cancellation, backend fault.
// Runners are safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, spec *RunSpec) (*Result, error)
	Backend() Backend
}
