package runner

import (
	"fmt"
	"os"
	"strings"

	"github.com/cellvista/scriptbox/internal/config"
)

// DetectBackend selects the runtime backend for this process. Selection
// order: explicit EXECUTION_RUNTIME, then the in-cluster service marker,
// then the local daemon. A process uses exactly one backend for its
// lifetime.
func DetectBackend() (Backend, error) {
	forced := strings.ToLower(strings.TrimSpace(config.ExecutionRuntime))
	switch forced {
	case "":
		// fall through to detection
	case string(BackendDocker):
		return BackendDocker, nil
	case string(BackendKubernetes):
		return BackendKubernetes, nil
	default:
		return "", fmt.Errorf("unsupported execution runtime: %s (supported: docker, kubernetes)", forced)
	}

	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return BackendKubernetes, nil
	}
	return BackendDocker, nil
}

// NewRunner constructs the runner for the detected backend.
func NewRunner() (Runner, error) {
	backend, err := DetectBackend()
	if err != nil {
		return nil, err
	}
	return NewRunnerForBackend(backend)
}

// NewRunnerForBackend constructs a runner for an explicit backend.
func NewRunnerForBackend(backend Backend) (Runner, error) {
	switch backend {
	case BackendDocker:
		return NewDockerRunner()
	case BackendKubernetes:
		return NewKubernetesRunner()
	default:
		return nil, fmt.Errorf("unsupported runner backend: %s", backend)
	}
}
