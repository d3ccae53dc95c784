package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/meshforge/mesh2step/pkg/log"
)

// maxDiagOutput caps how much raw engine output gets attached to a
// ProtocolFailure message.
const maxDiagOutput = 2048

type Config struct {
	// Command is the engine executable (freecadcmd in production).
	Command string
	// Script is the conversion script passed as the first argument.
	Script string
	// Timeout is the wall-clock budget per conversion.
	Timeout time.Duration
	// PatternKill enables the process-list sweep fallback on Kill. Leave off
	// on shared hosts: it terminates every process matching the engine name.
	PatternKill bool
}

// Supervisor spawns the external conversion engine and tracks the native
// process handle per job id so a cancel request can force-terminate it.
// Handles live only between spawn and exit and are never persisted.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	tracked map[string]*os.Process
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Supervisor{
		cfg:     cfg,
		tracked: make(map[string]*os.Process),
	}
}

// Convert runs the engine for one job and classifies the result. The process
// handle is tracked under req.JobID for the duration of the run and untracked
// unconditionally on the way out.
func (s *Supervisor) Convert(ctx context.Context, req Request) Outcome {
	if _, err := os.Stat(req.InputPath); err != nil {
		return Outcome{
			Failure: FailureInputMissing,
			Message: fmt.Sprintf("input file not found: %s", req.InputPath),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Command, s.args(req)...)
	cmd.Env = append(os.Environ(), headlessEnv()...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return Outcome{
			Failure: FailureSpawn,
			Message: fmt.Sprintf("failed to start %s: %v", s.cfg.Command, err),
		}
	}

	s.track(req.JobID, cmd.Process)
	defer s.untrack(req.JobID)

	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return Outcome{
			Failure: FailureTimeout,
			Message: fmt.Sprintf("conversion timed out after %s", s.cfg.Timeout),
		}
	}

	payload, ok := ExtractTerminalPayload(out.String())
	if !ok {
		return Outcome{
			Failure: FailureProtocol,
			Message: "no terminal payload in engine output: " + truncate(out.String(), maxDiagOutput),
		}
	}

	var result terminalPayload
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return Outcome{
			Failure: FailureProtocol,
			Message: fmt.Sprintf("unparseable terminal payload (%v): %s", err, truncate(payload, maxDiagOutput)),
		}
	}

	// The payload's success field wins over the exit code when they disagree.
	if !result.Success {
		msg := result.Error
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		if msg == "" {
			msg = "conversion failed"
		}
		return Outcome{Failure: FailureConversion, Message: msg}
	}

	return Outcome{
		Success:    true,
		Facets:     result.MeshInfoBefore.Facets,
		OutputSize: result.OutputSize,
	}
}

// Kill force-terminates the tracked process for jobID, if any, and untracks
// it. Reports whether a tracked handle was found. With PatternKill enabled it
// additionally sweeps the process list for stray engine processes, a safety
// net against tracking loss rather than the primary cancellation path.
func (s *Supervisor) Kill(jobID string) bool {
	s.mu.Lock()
	proc, ok := s.tracked[jobID]
	if ok {
		delete(s.tracked, jobID)
	}
	s.mu.Unlock()

	if ok {
		if err := proc.Kill(); err != nil {
			log.Warn("Failed to kill process for job %s: %v", jobID, err)
		} else {
			log.Info("Killed conversion process for job %s (pid %d)", jobID, proc.Pid)
		}
	}

	if s.cfg.PatternKill {
		s.sweepByName()
	}
	return ok
}

// TrackedCount reports how many native processes are currently tracked.
func (s *Supervisor) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *Supervisor) track(jobID string, proc *os.Process) {
	s.mu.Lock()
	s.tracked[jobID] = proc
	s.mu.Unlock()
}

func (s *Supervisor) untrack(jobID string) {
	s.mu.Lock()
	delete(s.tracked, jobID)
	s.mu.Unlock()
}

// sweepByName kills any process whose command line matches the engine
// executable name.
func (s *Supervisor) sweepByName() {
	name := filepath.Base(s.cfg.Command)
	if name == "" || name == "." {
		return
	}
	if err := exec.Command("pkill", "-9", "-f", name).Run(); err != nil {
		// Exit status 1 just means nothing matched.
		log.Debug("Pattern kill sweep for %q: %v", name, err)
	}
}

// args builds the fixed argument vector the conversion script expects:
// script, input, output, tolerance, repair flag, input format, merge flag.
func (s *Supervisor) args(req Request) []string {
	repair := "repair"
	if !req.Repair {
		repair = "no-repair"
	}
	merge := "merge"
	if !req.Merge {
		merge = "no-merge"
	}
	format := req.InputFormat
	if format == "" {
		format = "stl"
	}
	return []string{
		s.cfg.Script,
		req.InputPath,
		req.OutputPath,
		strconv.FormatFloat(req.Tolerance, 'f', -1, 64),
		repair,
		format,
		merge,
	}
}

// headlessEnv selects offscreen rendering so the engine runs without a
// display server.
func headlessEnv() []string {
	return []string{
		"QT_QPA_PLATFORM=offscreen",
		"DISPLAY=",
		"LIBGL_ALWAYS_SOFTWARE=1",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
