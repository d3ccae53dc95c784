package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/mesh2step/internal/cleanup"
	"github.com/meshforge/mesh2step/internal/engine"
	"github.com/meshforge/mesh2step/internal/jobs"
	"github.com/meshforge/mesh2step/internal/persistence"
)

type stubConverter struct {
	mu      sync.Mutex
	outcome engine.Outcome
	killed  []string
}

func (c *stubConverter) Convert(context.Context, engine.Request) engine.Outcome {
	return c.outcome
}

func (c *stubConverter) Kill(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, jobID)
	return false
}

func (c *stubConverter) TrackedCount() int { return 0 }

type testEnv struct {
	server    *Server
	store     *persistence.MemoryStore
	queue     *jobs.Queue
	uploadDir string
}

func newTestEnv(t *testing.T, outcome engine.Outcome) *testEnv {
	t.Helper()
	store := persistence.NewMemoryStore()
	conv := &stubConverter{outcome: outcome}
	queue := jobs.NewQueue(jobs.QueueConfig{Workers: 1, JobTTL: time.Hour}, store, conv)
	queue.Start()
	t.Cleanup(queue.Stop)

	uploadDir := t.TempDir()
	convertedDir := t.TempDir()

	reconciler := cleanup.NewReconciler(cleanup.Config{
		UploadDir:    uploadDir,
		ConvertedDir: convertedDir,
		CronExpr:     "*/30 * * * *",
	}, store)

	server := NewServer(queue, store, conv, reconciler,
		WithArtifactDirs(uploadDir, convertedDir),
	)
	return &testEnv{server: server, store: store, queue: queue, uploadDir: uploadDir}
}

func (e *testEnv) upload(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.uploadDir, name), []byte("solid mesh"), 0o644))
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_ConvertEnqueuesJob(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})
	env.upload(t, "part.stl")

	rec := env.do(t, http.MethodPost, "/api/convert", `{"input":"part.stl","tolerance":0.05}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, filepath.Join(env.uploadDir, job.ID+".stl"), job.InputPath)
	assert.Equal(t, job.ID+".step", filepath.Base(job.OutputPath))
	assert.Equal(t, 0.05, job.Options.Tolerance)
	assert.Equal(t, "stl", job.Options.InputFormat)

	// The uploaded mesh is now keyed by job id on disk.
	assert.FileExists(t, job.InputPath)
	assert.NoFileExists(t, filepath.Join(env.uploadDir, "part.stl"))
}

func TestServer_ConvertInfersFormatFromExtension(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})
	env.upload(t, "part.3mf")

	rec := env.do(t, http.MethodPost, "/api/convert", `{"input":"part.3mf"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "3mf", job.Options.InputFormat)
}

func TestServer_ConvertMissingInputFileIs404(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})

	rec := env.do(t, http.MethodPost, "/api/convert", `{"input":"nonexistent.stl"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ConvertRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})

	tests := []struct {
		name string
		body string
	}{
		{name: "missing input", body: `{}`},
		{name: "path traversal", body: `{"input":"../../etc/passwd"}`},
		{name: "unknown format", body: `{"input":"part.stl","input_format":"obj"}`},
		{name: "garbage body", body: `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/convert", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// createFailStore refuses record creation, as a downed store would.
type createFailStore struct {
	jobs.Store
}

func (s *createFailStore) Create(context.Context, *jobs.Job, time.Duration) error {
	return errors.New("store unavailable")
}

func TestServer_ConvertEnqueueFailureRestoresUpload(t *testing.T) {
	store := &createFailStore{Store: persistence.NewMemoryStore()}
	conv := &stubConverter{outcome: engine.Outcome{Success: true}}
	queue := jobs.NewQueue(jobs.QueueConfig{Workers: 1, JobTTL: time.Hour}, store, conv)

	uploadDir := t.TempDir()
	convertedDir := t.TempDir()
	reconciler := cleanup.NewReconciler(cleanup.Config{
		UploadDir:    uploadDir,
		ConvertedDir: convertedDir,
		CronExpr:     "*/30 * * * *",
	}, store)
	server := NewServer(queue, store, conv, reconciler, WithArtifactDirs(uploadDir, convertedDir))

	require.NoError(t, os.WriteFile(filepath.Join(uploadDir, "part.stl"), []byte("solid mesh"), 0o644))

	req := httptest.NewRequest(http.MethodPost, "/api/convert", strings.NewReader(`{"input":"part.stl"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The mesh got its original name back; nothing is left for the orphan sweep.
	assert.FileExists(t, filepath.Join(uploadDir, "part.stl"))
	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestServer_JobStatusRoundTrip(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})
	env.upload(t, "part.stl")

	rec := env.do(t, http.MethodPost, "/api/convert", `{"input":"part.stl"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/jobs/"+job.ID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var got jobs.Job
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == jobs.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/jobs/"+job.ID, "")
	var resp struct {
		jobs.Job
		TTLRemainingSec int64 `json:"ttl_remaining_sec"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 100, resp.Progress)
	assert.Greater(t, resp.TTLRemainingSec, int64(0))
}

func TestServer_UnknownJobIs404(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})

	rec := env.do(t, http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/jobs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelJob(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})
	env.upload(t, "a.stl")
	env.upload(t, "b.stl")

	rec := env.do(t, http.MethodPost, "/api/convert", `{"input":"a.stl"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/convert", `{"input":"b.stl"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var second jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	rec = env.do(t, http.MethodPost, "/api/jobs/"+second.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Status.Terminal())
}

func TestServer_StatsAndHealth(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})

	rec := env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.ActiveProcesses)
	assert.Equal(t, "*/30 * * * *", stats.Cleanup.CronSchedule)

	rec = env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, engine.Outcome{Success: true})
	WithRateLimit(1, 1)(env.server)

	first := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
