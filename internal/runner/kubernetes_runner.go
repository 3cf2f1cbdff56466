package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/cellvista/scriptbox/internal/config"
)

// KubernetesRunner executes guests as bare Pods through the in-cluster
// API. Script code and the run request travel in a ConfigMap; the
// workspace input and output directories are subpaths of a shared PVC
// mounted by both the server and the guest pod.
//
// Pod stdout is only available after termination, so marker handling is
// post-hoc: confirmation replies cannot reach the guest and are
// discarded. The guest support module treats a silent stdin as success.
type KubernetesRunner struct {
	clientset kubernetes.Interface
	namespace string
}

// NewKubernetesRunner creates a Pod-based runner from the in-cluster
// config. It fails outside a cluster.
func NewKubernetesRunner() (*KubernetesRunner, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config (is this running in Kubernetes?): %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	namespace := config.KubernetesNamespace
	if namespace == "" {
		nsBytes, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace")
		if err != nil {
			namespace = "default"
		} else {
			namespace = strings.TrimSpace(string(nsBytes))
		}
	}

	return &KubernetesRunner{clientset: clientset, namespace: namespace}, nil
}

// NewKubernetesRunnerWithClient creates a KubernetesRunner with a custom
// clientset and namespace. Useful for testing.
func NewKubernetesRunnerWithClient(clientset kubernetes.Interface, namespace string) *KubernetesRunner {
	return &KubernetesRunner{clientset: clientset, namespace: namespace}
}

// Backend reports the backend identity.
func (kr *KubernetesRunner) Backend() Backend {
	return BackendKubernetes
}

// Run creates the ConfigMap and Pod, waits for termination, parses the
// pod log through the marker handler, and tears both resources down on
// every return path.
func (kr *KubernetesRunner) Run(ctx context.Context, spec *RunSpec) (*Result, error) {
	logger := logging.Log.WithField("job_id", spec.JobID)
	start := time.Now()

	if err := kr.validateSpec(spec); err != nil {
		return nil, &Error{Kind: KindNotStarted, Op: "validate", Err: err}
	}

	podName := fmt.Sprintf("scriptbox-job-%s", spec.JobID)
	configMapName := podName

	if err := kr.createConfigMap(ctx, configMapName, spec); err != nil {
		return nil, &Error{Kind: KindNotStarted, Op: "create configmap", Err: err}
	}
	defer kr.deleteConfigMap(configMapName)

	pod := kr.buildPod(podName, configMapName, spec)

	logger.WithFields(map[string]interface{}{
		"pod_name":  podName,
		"namespace": kr.namespace,
		"image":     spec.Image,
	}).Info("Creating guest pod")

	if _, err := kr.clientset.CoreV1().Pods(kr.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, &Error{Kind: KindNotStarted, Op: "create pod", Err: err}
	}
	defer kr.deletePod(podName)

	exitCode, err := kr.waitForTermination(ctx, podName)
	if err != nil {
		var startupErr *PodStartupError
		if errors.As(err, &startupErr) {
			return nil, &Error{Kind: KindNotStarted, Op: "pod startup", Err: err}
		}
		if ctx.Err() != nil {
			return nil, classifyCtx(ctx, "wait")
		}
		return nil, &Error{Kind: KindBackend, Op: "wait", Err: err}
	}

	// Pod logs combine stdout and stderr into one stream; markers are
	// parsed post-hoc and confirmation replies have nowhere to go.
	stdout, err := kr.collectLogs(ctx, podName, spec.OnLine)
	if err != nil {
		logger.WithError(err).Warn("Failed to collect pod logs")
	}

	logger.WithField("exit_code", exitCode).Info("Guest pod terminated")
	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   "",
		Duration: time.Since(start),
		Handle:   podName,
	}, nil
}

// createConfigMap packages the script and the run request. The pod
// redirects request.json into the guest's stdin so the wire contract is
// identical across backends.
func (kr *KubernetesRunner) createConfigMap(ctx context.Context, name string, spec *RunSpec) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: kr.namespace,
			Labels: map[string]string{
				"scriptbox.io/job-id":    spec.JobID,
				"scriptbox.io/component": "guest",
			},
		},
		Data: map[string]string{
			"main.py":      spec.Code,
			"request.json": string(spec.RequestJSON) + "\n",
		},
	}
	_, err := kr.clientset.CoreV1().ConfigMaps(kr.namespace).Create(ctx, cm, metav1.CreateOptions{})
	return err
}

func (kr *KubernetesRunner) buildPod(podName, configMapName string, spec *RunSpec) *corev1.Pod {
	envVars := make([]corev1.EnvVar, 0, len(spec.Env)+1)
	// HOME must be writable under UID 1001 with a read-only rootfs
	envVars = append(envVars, corev1.EnvVar{Name: "HOME", Value: "/tmp"})
	for key, value := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	resources := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	cpuLimit := spec.CPULimit
	if cpuLimit == "" {
		cpuLimit = config.DefaultCPULimit
	}
	if cpuQuantity, err := resource.ParseQuantity(cpuLimit); err == nil {
		resources.Limits[corev1.ResourceCPU] = cpuQuantity
		resources.Requests[corev1.ResourceCPU] = cpuQuantity
	} else {
		logging.Log.WithError(err).Warn("Failed to parse CPU limit, ignoring")
	}
	memoryLimit := spec.MemoryLimit
	if memoryLimit == "" {
		memoryLimit = config.DefaultMemoryLimit
	}
	if memQuantity, err := resource.ParseQuantity(memoryLimit); err == nil {
		resources.Limits[corev1.ResourceMemory] = memQuantity
		resources.Requests[corev1.ResourceMemory] = memQuantity
	} else {
		logging.Log.WithError(err).Warn("Failed to parse memory limit, ignoring")
	}

	runAsNonRoot := true
	runAsUser := int64(1001)
	readOnlyRootfs := true
	noEscalation := false
	noServiceAccount := false

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: kr.namespace,
			Labels: map[string]string{
				"scriptbox.io/job-id":    spec.JobID,
				"scriptbox.io/component": "guest",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &noServiceAccount,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: &runAsNonRoot,
				RunAsUser:    &runAsUser,
			},
			Containers: []corev1.Container{
				{
					Name:  "guest",
					Image: spec.Image,
					Command: []string{
						"sh", "-c", "exec python3 /code/main.py < /code/request.json",
					},
					Env:       envVars,
					Resources: resources,
					SecurityContext: &corev1.SecurityContext{
						ReadOnlyRootFilesystem:   &readOnlyRootfs,
						AllowPrivilegeEscalation: &noEscalation,
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "code", MountPath: "/code", ReadOnly: true},
						{Name: "data", MountPath: "/input", SubPath: kr.claimSubPath(spec.InputDir), ReadOnly: true},
						{Name: "data", MountPath: "/output", SubPath: kr.claimSubPath(spec.OutputDir)},
						{Name: "tmp", MountPath: "/tmp"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "code",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
						},
					},
				},
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: config.OutputClaimName,
						},
					},
				},
				{
					Name: "tmp",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}
}

// claimSubPath maps a server-side workspace path to its subpath on the
// shared claim. The server mounts the claim at the data dir, so the
// relative path is the subpath.
func (kr *KubernetesRunner) claimSubPath(dir string) string {
	rel, err := filepath.Rel(config.DataDir, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return strings.TrimPrefix(dir, "/")
	}
	return rel
}

// waitForTermination watches the pod until it reaches a terminal phase
// and returns the guest's exit code. Startup failures such as
// ImagePullBackOff surface as PodStartupError before any wait for
// completion.
func (kr *KubernetesRunner) waitForTermination(ctx context.Context, podName string) (int, error) {
	watcher, err := kr.clientset.CoreV1().Pods(kr.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return -1, fmt.Errorf("failed to watch pod: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return -1, fmt.Errorf("watch ended unexpectedly")
			}
			if event.Type == watch.Error {
				return -1, fmt.Errorf("watch error: %v", event.Object)
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}

			if reason, message := checkPodStartupFailure(pod); reason != "" {
				logging.Log.WithFields(map[string]interface{}{
					"pod_name": podName,
					"reason":   reason,
					"message":  message,
				}).Error("Pod startup failure detected")
				return -1, &PodStartupError{Reason: reason, Message: message}
			}

			switch pod.Status.Phase {
			case corev1.PodSucceeded, corev1.PodFailed:
				return podExitCode(pod), nil
			}
		}
	}
}

// collectLogs fetches the terminated pod's log and runs each line
// through the marker handler. Replies are dropped: there is no stdin to
// deliver them to.
func (kr *KubernetesRunner) collectLogs(ctx context.Context, podName string, onLine LineHandler) (string, error) {
	logOpts := &corev1.PodLogOptions{Container: "guest"}
	req := kr.clientset.CoreV1().Pods(kr.namespace).GetLogs(podName, logOpts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to stream pod logs: %w", err)
	}
	defer stream.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return out.String(), err
	}
	return out.String(), nil
}

func podExitCode(pod *corev1.Pod) int {
	for _, status := range pod.Status.ContainerStatuses {
		if status.Name == "guest" && status.State.Terminated != nil {
			return int(status.State.Terminated.ExitCode)
		}
	}
	if pod.Status.Phase == corev1.PodSucceeded {
		return 0
	}
	return -1
}

func (kr *KubernetesRunner) validateSpec(spec *RunSpec) error {
	if spec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if spec.Image == "" {
		return fmt.Errorf("guest image is required")
	}
	if spec.Code == "" {
		return fmt.Errorf("script code is required")
	}
	if spec.InputDir == "" || spec.OutputDir == "" {
		return fmt.Errorf("workspace directories are required")
	}
	return nil
}

// deletePod removes the guest pod with a fresh context so teardown
// happens even when the run context is already done.
func (kr *KubernetesRunner) deletePod(podName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	propagationPolicy := metav1.DeletePropagationBackground
	err := kr.clientset.CoreV1().Pods(kr.namespace).Delete(ctx, podName, metav1.DeleteOptions{
		PropagationPolicy: &propagationPolicy,
	})
	if err != nil {
		logging.Log.WithError(err).WithField("pod_name", podName).Error("Failed to delete guest pod")
	}
}

func (kr *KubernetesRunner) deleteConfigMap(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := kr.clientset.CoreV1().ConfigMaps(kr.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		logging.Log.WithError(err).WithField("configmap", name).Error("Failed to delete job configmap")
	}
}

// PodStartupError represents a pod that could not start its guest
// container. It maps to the not-started error kind, never to a guest
// exit.
type PodStartupError struct {
	Reason  string
	Message string
}

func (e *PodStartupError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pod failed to start: %s - %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("pod failed to start: %s", e.Reason)
}

// checkPodStartupFailure inspects container statuses and pod conditions
// for failure states that never recover without intervention.
func checkPodStartupFailure(pod *corev1.Pod) (reason, message string) {
	statuses := append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)
	for _, status := range statuses {
		if status.State.Waiting == nil {
			continue
		}
		waiting := status.State.Waiting
		switch waiting.Reason {
		case "ImagePullBackOff", "ErrImagePull", "ImageInspectError", "ErrImageNeverPull",
			"CrashLoopBackOff",
			"CreateContainerConfigError", "CreateContainerError",
			"InvalidImageName", "RunContainerError":
			return waiting.Reason, waiting.Message
		}
	}

	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodScheduled && condition.Status == corev1.ConditionFalse {
			if condition.Reason == "Unschedulable" {
				return condition.Reason, condition.Message
			}
		}
	}

	return "", ""
}

// Ensure KubernetesRunner implements the Runner interface
var _ Runner = (*KubernetesRunner)(nil)
