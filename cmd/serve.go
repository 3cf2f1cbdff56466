package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/execlog"
	"github.com/cellvista/scriptbox/internal/handlers"
	"github.com/cellvista/scriptbox/internal/imagelib"
	"github.com/cellvista/scriptbox/internal/jobs"
	"github.com/cellvista/scriptbox/internal/metrics"
	"github.com/cellvista/scriptbox/internal/objects"
	"github.com/cellvista/scriptbox/internal/runner"
)

var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the script execution server",
	Flags: flags,
	Action: func(ctx *cli.Context) error {
		return Serve()
	},
}

var flags = []cli.Flag{
	&cli.IntFlag{
		Name:        "port",
		Aliases:     []string{"p"},
		Value:       8080,
		Usage:       "Port to expose the API on",
		EnvVars:     []string{"SCRIPTBOX_PORT", "PORT"},
		Destination: &config.Port,
	},
	&cli.StringFlag{
		Name:        "data-dir",
		Aliases:     []string{"d"},
		Value:       "./data",
		Usage:       "Root directory for workspaces, outputs and execution logs",
		EnvVars:     []string{"SCRIPTBOX_DATA_DIR", "DATA_DIR"},
		Destination: &config.DataDir,
	},
}

// engine bundles the long-lived components shared by serve and
// run-local.
type engine struct {
	runner   runner.Runner
	manager  *jobs.Manager
	logger   *execlog.Logger
	analyzer *execlog.Analyzer
	monitor  *metrics.ResourceMonitor
	library  *imagelib.Library
	store    objects.ObjectStore
}

func newEngine() (*engine, error) {
	profile, err := config.LoadProfile(config.ProfilePath)
	if err != nil {
		return nil, err
	}
	profile.Apply()

	if config.DataDir == "" {
		config.DataDir = "./data"
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	r, err := runner.NewRunner()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runtime backend: %w", err)
	}
	logging.Log.WithField("backend", r.Backend()).Info("Runtime backend initialized")

	logger, err := execlog.NewLogger(filepath.Join(config.DataDir, "execution_logs"))
	if err != nil {
		return nil, err
	}
	analyzer := execlog.NewAnalyzer(logger)
	monitor := metrics.NewResourceMonitor(config.MaxConcurrent)

	store, mirror, err := newArtifactStore()
	if err != nil {
		return nil, err
	}

	manager := jobs.NewManager(r, logger, analyzer, monitor)
	manager.SetArtifactStore(store, mirror)

	return &engine{
		runner:   r,
		manager:  manager,
		logger:   logger,
		analyzer: analyzer,
		monitor:  monitor,
		library:  imagelib.NewLibrary(config.LibraryImageDir),
		store:    store,
	}, nil
}

// newArtifactStore builds the configured object store. The filesystem
// store rooted at DataDir needs no mirroring: harvested outputs are
// already in place under outputs/{job_id}/.
func newArtifactStore() (objects.ObjectStore, bool, error) {
	basePath := config.ObjectStoreBasePath
	if basePath == "" {
		basePath = config.DataDir
	}

	store, err := objects.New(objects.Config{
		Type: config.ObjectStoreType,
		Config: map[string]string{
			"base_path": basePath,
			"bucket":    config.ObjectStoreBucket,
			"prefix":    config.ObjectStorePrefix,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to initialize object store: %w", err)
	}

	mirror := config.ObjectStoreType != "filesystem" || basePath != config.DataDir
	return store, mirror, nil
}

// shutdown drains in-flight jobs and stops the background workers.
func (e *engine) shutdown() {
	e.manager.Drain()
	e.analyzer.Stop()
	e.monitor.Stop()
}

func Serve() error {
	engine, err := newEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.monitor.Start(ctx)
	engine.manager.StartRetentionSweeper(ctx)

	handler := handlers.NewRouter(handlers.Deps{
		Manager:  engine.manager,
		Logger:   engine.logger,
		Analyzer: engine.analyzer,
		Library:  engine.library,
		Store:    engine.store,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Log.Infof("Starting HTTP server on port %d", config.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		errorutils.LogOnErr(nil, "ListenAndServe exited with: ", err)
		return err
	case <-ctx.Done():
	}

	// stop accepting, then let running jobs finish
	logging.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Log.WithError(err).Warn("HTTP server shutdown failed")
	}
	engine.shutdown()
	return nil
}
