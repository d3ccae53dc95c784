package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStubEngine creates an executable shell script standing in for
// freecadcmd. The supervisor passes the conversion script as the first
// argument, which the stub ignores.
func writeStubEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-engine")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeInputFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.stl")
	require.NoError(t, os.WriteFile(path, []byte("solid part\nendsolid part\n"), 0o644))
	return path
}

func newTestSupervisor(command string) *Supervisor {
	return NewSupervisor(Config{
		Command: command,
		Script:  "convert.py",
		Timeout: 5 * time.Second,
	})
}

func TestSupervisor_Convert_Success(t *testing.T) {
	cmd := writeStubEngine(t, `echo "[DEBUG] importing modules"
echo '{"success":true,"mesh_info_before":{"facets":120},"output_size":4096}'`)
	s := newTestSupervisor(cmd)

	outcome := s.Convert(context.Background(), Request{
		JobID:     "j1",
		InputPath: writeInputFile(t),
		Tolerance: 0.01,
		Repair:    true,
	})

	require.True(t, outcome.Success, "outcome: %+v", outcome)
	assert.Equal(t, 120, outcome.Facets)
	assert.Equal(t, int64(4096), outcome.OutputSize)
	assert.Equal(t, 0, s.TrackedCount())
}

func TestSupervisor_Convert_EngineReportsFailure(t *testing.T) {
	// Exit code 0 but success:false — the payload wins.
	cmd := writeStubEngine(t, `echo '{"success":false,"error":"STL contains no facets"}'`)
	s := newTestSupervisor(cmd)

	outcome := s.Convert(context.Background(), Request{JobID: "j1", InputPath: writeInputFile(t)})

	require.False(t, outcome.Success)
	assert.Equal(t, FailureConversion, outcome.Failure)
	assert.Equal(t, "STL contains no facets", outcome.Message)
}

func TestSupervisor_Convert_ProtocolFailure(t *testing.T) {
	cmd := writeStubEngine(t, `echo "diagnostics only, no payload"`)
	s := newTestSupervisor(cmd)

	outcome := s.Convert(context.Background(), Request{JobID: "j1", InputPath: writeInputFile(t)})

	require.False(t, outcome.Success)
	assert.Equal(t, FailureProtocol, outcome.Failure)
	assert.Contains(t, outcome.Message, "diagnostics only")
}

func TestSupervisor_Convert_InputMissing(t *testing.T) {
	s := newTestSupervisor("/bin/true")

	outcome := s.Convert(context.Background(), Request{
		JobID:     "j1",
		InputPath: filepath.Join(t.TempDir(), "nope.stl"),
	})

	require.False(t, outcome.Success)
	assert.Equal(t, FailureInputMissing, outcome.Failure)
}

func TestSupervisor_Convert_SpawnFailure(t *testing.T) {
	s := newTestSupervisor(filepath.Join(t.TempDir(), "no-such-engine"))

	outcome := s.Convert(context.Background(), Request{JobID: "j1", InputPath: writeInputFile(t)})

	require.False(t, outcome.Success)
	assert.Equal(t, FailureSpawn, outcome.Failure)
}

func TestSupervisor_Convert_Timeout(t *testing.T) {
	cmd := writeStubEngine(t, `sleep 10`)
	s := NewSupervisor(Config{
		Command: cmd,
		Script:  "convert.py",
		Timeout: 100 * time.Millisecond,
	})

	start := time.Now()
	outcome := s.Convert(context.Background(), Request{JobID: "j1", InputPath: writeInputFile(t)})

	require.False(t, outcome.Success)
	assert.Equal(t, FailureTimeout, outcome.Failure)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, s.TrackedCount())
}

func TestSupervisor_Kill_RemovesTrackedHandle(t *testing.T) {
	cmd := writeStubEngine(t, `sleep 30`)
	s := newTestSupervisor(cmd)

	done := make(chan Outcome, 1)
	go func() {
		done <- s.Convert(context.Background(), Request{JobID: "j1", InputPath: writeInputFile(t)})
	}()

	require.Eventually(t, func() bool {
		return s.TrackedCount() == 1
	}, time.Second, 10*time.Millisecond)

	assert.True(t, s.Kill("j1"))
	assert.Equal(t, 0, s.TrackedCount())

	select {
	case outcome := <-done:
		assert.False(t, outcome.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not return after kill")
	}
}

func TestSupervisor_Kill_UnknownJob(t *testing.T) {
	s := newTestSupervisor("/bin/true")
	assert.False(t, s.Kill("ghost"))
}
