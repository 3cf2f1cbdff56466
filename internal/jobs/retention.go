package jobs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/objects"
)

// StartRetentionSweeper deletes harvested output trees once they age
// past the retention window. Artifact URLs 404 afterwards.
func (m *Manager) StartRetentionSweeper(ctx context.Context) {
	retention := time.Duration(config.OutputRetention) * time.Second
	if retention <= 0 {
		return
	}
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOutputs(retention)
				m.pruneJobs(retention)
			}
		}
	}()
}

func (m *Manager) sweepOutputs(retention time.Duration) {
	root := filepath.Join(config.DataDir, "outputs")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-retention)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		// never sweep a job that is still running
		if job := m.Job(entry.Name()); job != nil && !job.Status.Terminal() {
			continue
		}

		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logging.Log.WithError(err).WithField("path", path).Warn("Failed to sweep expired outputs")
			continue
		}
		m.sweepArtifacts(entry.Name())
		logging.Log.WithField("job_id", entry.Name()).Debug("Swept expired outputs")
	}
}

// pruneJobs drops terminal jobs from the table once they age past the
// retention window. The table then only holds live jobs plus the
// recently finished ones the sweeper's liveness check consults.
func (m *Manager) pruneJobs(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

// sweepArtifacts drops a job's mirrored copies from the artifact store.
func (m *Manager) sweepArtifacts(jobID string) {
	if m.artifacts == nil || !m.mirror {
		return
	}
	ctx := context.Background()
	infos, err := m.artifacts.List(ctx, objects.JobPrefix(jobID))
	if err != nil {
		logging.Log.WithError(err).WithField("job_id", jobID).Warn("Failed to list expired artifacts")
		return
	}
	for _, info := range infos {
		if err := m.artifacts.Delete(ctx, info.Key); err != nil {
			logging.Log.WithError(err).WithField("key", info.Key).Warn("Failed to delete expired artifact")
		}
	}
}
