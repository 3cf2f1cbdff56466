package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/cellvista/scriptbox/internal/config"
)

// DockerRunner executes guests through the local Docker daemon.
type DockerRunner struct {
	client *client.Client
}

// NewDockerRunner creates a Docker-based runner using the default daemon
// socket (unix:///var/run/docker.sock or npipe on Windows).
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRunner{client: cli}, nil
}

// NewDockerRunnerWithClient creates a DockerRunner with a custom client.
// Useful for testing or custom configurations.
func NewDockerRunnerWithClient(cli *client.Client) *DockerRunner {
	return &DockerRunner{client: cli}
}

// Backend reports the backend identity.
func (dr *DockerRunner) Backend() Backend {
	return BackendDocker
}

// Run creates, starts and supervises one guest container. The container
// is force-removed on every return path.
func (dr *DockerRunner) Run(ctx context.Context, spec *RunSpec) (*Result, error) {
	logger := logging.Log.WithField("job_id", spec.JobID)
	start := time.Now()

	if err := dr.validateSpec(spec); err != nil {
		return nil, &Error{Kind: KindNotStarted, Op: "validate", Err: err}
	}

	if err := dr.ensureImage(ctx, spec.Image); err != nil {
		return nil, &Error{Kind: KindNotStarted, Op: "pull image", Err: err}
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"python3", "/code/main.py"},
		Env:          envMapToSlice(spec.Env),
		User:         "1001:1001",
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		// The guest must not reach the network under any configuration
		NetworkDisabled: true,
		Labels: map[string]string{
			"scriptbox.io/job-id":    spec.JobID,
			"scriptbox.io/component": "guest",
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{
			fmt.Sprintf("%s:/code:ro", hostPath(spec.CodeDir)),
			fmt.Sprintf("%s:/input:ro", hostPath(spec.InputDir)),
			fmt.Sprintf("%s:/output", hostPath(spec.OutputDir)),
		},
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=256m"},
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		AutoRemove:     false, // removed explicitly so logs survive until harvested
	}
	hostConfig.Resources = container.Resources{
		NanoCPUs: cpuLimitToNanos(spec.CPULimit),
		Memory:   memoryLimitToBytes(spec.MemoryLimit),
	}

	containerName := fmt.Sprintf("scriptbox-job-%s", spec.JobID)
	resp, err := dr.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtx(ctx, "create container")
		}
		return nil, &Error{Kind: KindNotStarted, Op: "create container", Err: err}
	}
	if len(resp.Warnings) > 0 {
		logger.WithField("warnings", resp.Warnings).Warn("Container creation warnings")
	}

	// Removal runs on every path, including panics during supervision
	defer dr.remove(resp.ID)

	attach, err := dr.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "attach", Err: err}
	}
	defer attach.Close()

	if err := dr.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtx(ctx, "start container")
		}
		return nil, &Error{Kind: KindNotStarted, Op: "start container", Err: err}
	}
	logger.WithField("container_id", resp.ID).Info("Guest container started")

	// The run request goes first on stdin; confirmation replies follow
	// on the same connection as markers arrive.
	var stdinMu sync.Mutex
	if _, err := attach.Conn.Write(append(spec.RequestJSON, '\n')); err != nil {
		logger.WithError(err).Warn("Failed to write run request to guest stdin")
	}

	stdout, stderr := dr.superviseStreams(attach, spec.OnLine, &stdinMu, logger)

	statusCh, errCh := dr.client.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		dr.kill(resp.ID)
		// wait for the daemon to confirm the container stopped so the
		// caller can rely on teardown having happened
		select {
		case <-statusCh:
		case <-errCh:
		case <-time.After(10 * time.Second):
			logger.Warn("Container did not confirm stop after kill")
		}
		return nil, classifyCtx(ctx, "wait")

	case err := <-errCh:
		return nil, &Error{Kind: KindBackend, Op: "wait", Err: err}

	case status := <-statusCh:
		result := &Result{
			ExitCode: int(status.StatusCode),
			Stdout:   stdout.wait(),
			Stderr:   stderr.wait(),
			Duration: time.Since(start),
			Handle:   resp.ID,
		}
		logger.WithField("exit_code", result.ExitCode).Info("Guest container exited")
		return result, nil
	}
}

// streamBuffer accumulates one demuxed stream; wait returns its content
// once the producing goroutine finished.
type streamBuffer struct {
	buf  strings.Builder
	done chan struct{}
}

func (b *streamBuffer) wait() string {
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
	}
	return b.buf.String()
}

// superviseStreams demuxes the attached connection and feeds stdout
// lines to the marker handler, writing any replies back to guest stdin.
func (dr *DockerRunner) superviseStreams(attach types.HijackedResponse, onLine LineHandler, stdinMu *sync.Mutex, logger *logrus.Entry) (*streamBuffer, *streamBuffer) {
	stdout := &streamBuffer{done: make(chan struct{})}
	stderr := &streamBuffer{done: make(chan struct{})}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		if _, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader); err != nil && err != io.EOF {
			logger.Error("Error demultiplexing container streams: ", err)
		}
	}()

	go func() {
		defer close(stdout.done)
		scanner := bufio.NewScanner(stdoutR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.buf.WriteString(line)
			stdout.buf.WriteByte('\n')
			if onLine != nil {
				if reply := onLine(line); reply != nil {
					stdinMu.Lock()
					attach.Conn.Write(append(reply, '\n'))
					stdinMu.Unlock()
				}
			}
		}
	}()

	go func() {
		defer close(stderr.done)
		data, _ := io.ReadAll(stderrR)
		stderr.buf.Write(data)
	}()

	return stdout, stderr
}

func (dr *DockerRunner) validateSpec(spec *RunSpec) error {
	if spec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if spec.Image == "" {
		return fmt.Errorf("guest image is required")
	}
	if spec.CodeDir == "" || spec.InputDir == "" || spec.OutputDir == "" {
		return fmt.Errorf("workspace directories are required")
	}
	return nil
}

// kill issues a best-effort SIGKILL with a fresh context; the run
// context is already done when this is called.
func (dr *DockerRunner) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dr.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		logging.Log.WithError(err).WithField("container_id", containerID).Warn("Failed to kill container")
	}
}

// remove force-removes the container; the teardown guarantee on every
// return path depends on this.
func (dr *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := dr.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		logging.Log.WithError(err).WithField("container_id", containerID).Error("Failed to remove container")
	}
}

// ensureImage pulls the guest image if it is not present locally.
func (dr *DockerRunner) ensureImage(ctx context.Context, imageName string) error {
	logger := logging.Log.WithField("image", imageName)

	if _, _, err := dr.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		logger.Debug("Image found locally")
		return nil
	}

	logger.Info("Pulling guest image")
	pullResp, err := dr.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer pullResp.Close()

	// the pull response body must be drained for the pull to complete
	if _, err := io.Copy(io.Discard, pullResp); err != nil {
		return fmt.Errorf("error reading pull response: %w", err)
	}
	return nil
}

// hostPath remaps a workspace path to the host view when the server
// itself runs inside a container with the data dir bind-mounted.
func hostPath(p string) string {
	if config.HostProjectDir == "" || config.DataDir == "" {
		return p
	}
	rel, err := filepath.Rel(config.DataDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.Join(config.HostProjectDir, rel)
}

func envMapToSlice(envMap map[string]string) []string {
	if envMap == nil {
		return nil
	}
	envSlice := make([]string, 0, len(envMap))
	for key, value := range envMap {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", key, value))
	}
	return envSlice
}

// cpuLimitToNanos converts a CPU count string ("1.0") to NanoCPUs,
// clamped to the hard upper bound.
func cpuLimitToNanos(cpuStr string) int64 {
	if cpuStr == "" {
		cpuStr = config.DefaultCPULimit
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(cpuStr), 64)
	if err != nil || f <= 0 {
		f = 1.0
	}
	if maxF, err := strconv.ParseFloat(config.MaxCPULimit, 64); err == nil && f > maxF {
		f = maxF
	}
	return int64(f * 1e9)
}

// memoryLimitToBytes parses memory strings like "512Mi", "1Gi", "1024M",
// clamped to the hard upper bound.
func memoryLimitToBytes(memStr string) int64 {
	if memStr == "" {
		memStr = config.DefaultMemoryLimit
	}
	n, err := parseMemoryString(memStr)
	if err != nil {
		n, _ = parseMemoryString(config.DefaultMemoryLimit)
	}
	if maxN, err := parseMemoryString(config.MaxMemoryLimit); err == nil && n > maxN {
		n = maxN
	}
	return n
}

// parseMemoryString parses memory strings like "512Mi", "1Gi", "1024M", "1G".
func parseMemoryString(memStr string) (int64, error) {
	memStr = strings.TrimSpace(memStr)
	if memStr == "" {
		return 0, fmt.Errorf("empty memory string")
	}

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"Ki", 1024},
		{"Mi", 1024 * 1024},
		{"Gi", 1024 * 1024 * 1024},
		{"Ti", 1024 * 1024 * 1024 * 1024},
		{"K", 1000},
		{"M", 1000 * 1000},
		{"G", 1000 * 1000 * 1000},
		{"T", 1000 * 1000 * 1000 * 1000},
	}

	for _, s := range suffixes {
		if strings.HasSuffix(memStr, s.suffix) {
			num, err := strconv.ParseInt(strings.TrimSuffix(memStr, s.suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number in memory string: %w", err)
			}
			return num * s.multiplier, nil
		}
	}

	num, err := strconv.ParseInt(memStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory string format: %w", err)
	}
	return num, nil
}

// Ensure DockerRunner implements the Runner interface
var _ Runner = (*DockerRunner)(nil)
