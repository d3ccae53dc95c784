package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/meshforge/mesh2step/internal/jobs"
	"github.com/meshforge/mesh2step/pkg/file"
	"github.com/meshforge/mesh2step/pkg/icron"
	"github.com/meshforge/mesh2step/pkg/log"
)

// recordPeeker reads a record even after its TTL lapsed. Stores that drop
// expired records on their own (Redis) simply don't implement it.
type recordPeeker interface {
	Peek(ctx context.Context, id string) (*jobs.Job, error)
}

type Config struct {
	UploadDir    string
	ConvertedDir string
	// CronExpr is reported in stats; the actual scheduling happens in main.
	CronExpr string
	// ProcessingGrace keeps a TTL-lapsed record alive while its job still
	// looks mid-processing (recently updated). Guards against deleting a
	// record a worker is about to write to.
	ProcessingGrace time.Duration
}

// Result aggregates the counters of one sweep.
type Result struct {
	JobsChecked  int `json:"jobs_checked"`
	JobsExpired  int `json:"jobs_expired"`
	FilesRemoved int `json:"files_removed"`
	Errors       int `json:"errors"`
}

// Reconciler converges the job store and the artifact directories: expired
// records lose their files and their key, files owned by no live record are
// reclaimed. Job records and files are correlated but never atomic, so the
// sweep is the only thing that ties them back together.
type Reconciler struct {
	cfg   Config
	store jobs.Store

	running atomic.Bool
}

func NewReconciler(cfg Config, store jobs.Store) *Reconciler {
	return &Reconciler{cfg: cfg, store: store}
}

// Run performs one sweep. A sweep already in progress causes the trigger to
// be skipped (ran=false), not queued. Per-job errors are counted and the
// sweep continues.
func (r *Reconciler) Run(ctx context.Context) (res Result, ran bool) {
	if !r.running.CompareAndSwap(false, true) {
		log.Debug("Cleanup already running, skipping trigger")
		return Result{}, false
	}
	defer r.running.Store(false)

	started := time.Now()
	artifacts := r.artifactIndex()
	valid := make(map[string]struct{})

	keys, err := r.store.Keys(ctx)
	if err != nil {
		// Without the key list every file would look orphaned; bail out
		// rather than reclaim the world.
		log.Error("Cleanup: failed to enumerate job keys: %v", err)
		res.Errors++
		return res, true
	}

	for _, id := range keys {
		res.JobsChecked++

		ttl, err := r.store.TTLRemaining(ctx, id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				// Raced away since Keys; its files fall out in the orphan scan.
				continue
			}
			log.Warn("Cleanup: TTL check for job %s failed: %v", id, err)
			res.Errors++
			valid[id] = struct{}{}
			continue
		}

		if ttl > 0 {
			valid[id] = struct{}{}
			continue
		}

		if r.withinProcessingGrace(ctx, id) {
			log.Info("Cleanup: job %s expired mid-processing, granting grace", id)
			valid[id] = struct{}{}
			continue
		}

		r.removeFiles(artifacts[id], &res)
		delete(artifacts, id)
		if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			log.Warn("Cleanup: failed to delete record %s: %v", id, err)
			res.Errors++
		}
		res.JobsExpired++
	}

	// Orphan reclamation: files whose derived owner has no live record.
	for id, paths := range artifacts {
		if _, ok := valid[id]; ok {
			continue
		}
		r.removeFiles(paths, &res)
	}

	log.Info("Cleanup pass done in %s: checked=%d expired=%d files_removed=%d errors=%d",
		time.Since(started).Round(time.Millisecond), res.JobsChecked, res.JobsExpired, res.FilesRemoved, res.Errors)
	return res, true
}

// Stats is the aggregate surface exposed to the API layer.
type Stats struct {
	TotalJobs      int       `json:"total_jobs"`
	UploadFiles    int       `json:"upload_files"`
	ConvertedFiles int       `json:"converted_files"`
	CronSchedule   string    `json:"cron_schedule"`
	NextRun        time.Time `json:"next_run,omitempty"`
	IsRunning      bool      `json:"is_running"`
}

func (r *Reconciler) Stats(ctx context.Context) Stats {
	stats := Stats{
		UploadFiles:    file.CountFiles(r.cfg.UploadDir),
		ConvertedFiles: file.CountFiles(r.cfg.ConvertedDir),
		CronSchedule:   r.cfg.CronExpr,
		IsRunning:      r.running.Load(),
	}
	if all, err := r.store.ListAll(ctx); err == nil {
		stats.TotalJobs = len(all)
	}
	if info, err := icron.GetTriggerInfo(r.cfg.CronExpr, time.Now()); err == nil {
		stats.NextRun = info.Next
	}
	return stats
}

// withinProcessingGrace reports whether the expired record should survive this
// sweep because a worker still looks active on it.
func (r *Reconciler) withinProcessingGrace(ctx context.Context, id string) bool {
	if r.cfg.ProcessingGrace <= 0 {
		return false
	}
	peeker, ok := r.store.(recordPeeker)
	if !ok {
		return false
	}
	job, err := peeker.Peek(ctx, id)
	if err != nil {
		return false
	}
	return job.Status == jobs.StatusProcessing && time.Since(job.UpdatedAt) < r.cfg.ProcessingGrace
}

// artifactIndex maps owning job id to the on-disk paths of its artifacts
// across both directories.
func (r *Reconciler) artifactIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, dir := range []string{r.cfg.UploadDir, r.cfg.ConvertedDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn("Cleanup: cannot read %s: %v", dir, err)
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			id := file.OwnerJobID(entry.Name())
			idx[id] = append(idx[id], filepath.Join(dir, entry.Name()))
		}
	}
	return idx
}

func (r *Reconciler) removeFiles(paths []string, res *Result) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn("Cleanup: failed to remove %s: %v", path, err)
			res.Errors++
			continue
		}
		log.Debug("Cleanup: removed %s", path)
		res.FilesRemoved++
	}
}
