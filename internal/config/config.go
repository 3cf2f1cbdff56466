package config

import (
	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// Port is the HTTP server port
	Port int

	// DataDir is the root for persisted state: logs/ and workspaces/ live
	// under it. In cluster mode this must be the mount point of the shared
	// persistent volume claim so pods can bind job subpaths of it.
	DataDir string

	// ExecutionRuntime forces the runtime backend: "docker" or "kubernetes".
	// Empty means auto-detect (cluster marker, else docker).
	ExecutionRuntime = env.GetEnvOrDefault("EXECUTION_RUNTIME", "")

	// RunnerImage is the guest container image
	RunnerImage = env.GetEnvOrDefault("RUNNER_IMAGE", "ghcr.io/cellvista/scriptbox-runner:latest")

	// ScriptTimeout is the default job deadline in seconds
	ScriptTimeout = env.GetEnvAsIntOrDefault("SCRIPT_TIMEOUT", "600")

	// MaxScriptTimeout is the hard upper bound on any job deadline
	MaxScriptTimeout = env.GetEnvAsIntOrDefault("SCRIPTBOX_MAX_TIMEOUT", "3600")

	// KubernetesNamespace scopes all cluster-backend operations
	KubernetesNamespace = env.GetEnvOrDefault("KUBERNETES_NAMESPACE", "scriptbox")

	// OutputClaimName is the PVC the cluster backend binds job output subpaths from
	OutputClaimName = env.GetEnvOrDefault("SCRIPTBOX_OUTPUT_CLAIM", "scriptbox-data")

	// HostProjectDir remaps workspace bind mounts when the server itself
	// runs inside a container and host paths differ from container paths
	HostProjectDir = env.GetEnvOrDefault("HOST_PROJECT_DIR", "")

	// MaxConcurrent caps in-flight jobs process-wide; overflow rejects with 503
	MaxConcurrent = env.GetEnvAsIntOrDefault("SCRIPTBOX_MAX_CONCURRENT", "5")

	// Resource defaults and hard caps for the guest container
	DefaultCPULimit    = env.GetEnvOrDefault("SCRIPTBOX_CPU_LIMIT", "1.0")
	DefaultMemoryLimit = env.GetEnvOrDefault("SCRIPTBOX_MEMORY_LIMIT", "1Gi")
	MaxCPULimit        = "2.0"
	MaxMemoryLimit     = "2Gi"

	// OutputRetention is how long harvested artifacts stay servable, in seconds
	OutputRetention = env.GetEnvAsIntOrDefault("SCRIPTBOX_OUTPUT_RETENTION", "3600")

	// MaxScriptParams bounds the free-form script_parameters string (bytes)
	MaxScriptParams = 64 * 1024

	// DebugFailureThreshold is the consecutive-failure count after which
	// diagnostic instrumentation may activate (still requires caller opt-in)
	DebugFailureThreshold = env.GetEnvAsIntOrDefault("SCRIPTBOX_DEBUG_THRESHOLD", "2")

	// LogWriteDeadlineMS bounds how long a job completion may block on the
	// execution logger before returning anyway
	LogWriteDeadlineMS = env.GetEnvAsIntOrDefault("SCRIPTBOX_LOG_WRITE_DEADLINE_MS", "2000")

	// Object store for harvested artifacts
	ObjectStoreType     = env.GetEnvOrDefault("SCRIPTBOX_OBJECT_STORE_TYPE", "filesystem") // s3, filesystem, memory
	ObjectStoreBucket   = env.GetEnvOrDefault("SCRIPTBOX_OBJECT_STORE_BUCKET", "scriptbox-artifacts")
	// empty base path means DataDir, where harvested outputs already live
	ObjectStoreBasePath = env.GetEnvOrDefault("SCRIPTBOX_OBJECT_STORE_BASE_PATH", "")
	ObjectStorePrefix   = env.GetEnvOrDefault("SCRIPTBOX_OBJECT_STORE_PREFIX", "scriptbox/")

	// ProfilePath optionally names a YAML runner profile overriding image
	// and resource limits per deployment
	ProfilePath = env.GetEnvOrDefault("SCRIPTBOX_PROFILE", "")

	// LibraryImageDir is where the image library collaborator stages
	// pre-existing input images referenced by name
	LibraryImageDir = env.GetEnvOrDefault("SCRIPTBOX_LIBRARY_DIR", "./library")
)

// Version is stamped at build time via -ldflags
var Version = "dev"
