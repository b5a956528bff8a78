package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskfactory/taskfactory/internal/events"
)

var prURLRegex = regexp.MustCompile(`https://github\.com/[^\s"]+/pull/\d+`)

// ProcessExecutor shells out to a configured agent command, one
// process per attempt, and captures its output
type ProcessExecutor struct {
	command    string
	args       []string
	logDir     string
	hub        *events.Hub
	onComplete CompletionFunc
	log        zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewProcessExecutor creates an executor that runs command with args
// in the job's repository directory. The task prompt is appended as
// the final argument.
func NewProcessExecutor(command string, args []string, logDir string, hub *events.Hub, log zerolog.Logger) *ProcessExecutor {
	return &ProcessExecutor{
		command: command,
		args:    args,
		logDir:  logDir,
		hub:     hub,
		log:     log.With().Str("component", "executor").Logger(),
		running: make(map[string]context.CancelFunc),
	}
}

// SetOnComplete sets the completion callback. Must be called before
// the first Start.
func (e *ProcessExecutor) SetOnComplete(fn CompletionFunc) {
	e.onComplete = fn
}

// Start launches the agent process for the job
func (e *ProcessExecutor) Start(job Job) error {
	if e.command == "" {
		return fmt.Errorf("no agent command configured")
	}

	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if _, ok := e.running[job.AttemptID]; ok {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("attempt %s already running", job.AttemptID)
	}
	e.running[job.AttemptID] = cancel
	e.mu.Unlock()

	go e.run(ctx, job)
	return nil
}

// Stop cancels the process for an attempt, if one is running
func (e *ProcessExecutor) Stop(attemptID string) {
	e.mu.Lock()
	cancel, ok := e.running[attemptID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Alive reports whether the attempt's process is still tracked
func (e *ProcessExecutor) Alive(attemptID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[attemptID]
	return ok
}

func (e *ProcessExecutor) run(ctx context.Context, job Job) {
	defer func() {
		e.mu.Lock()
		delete(e.running, job.AttemptID)
		e.mu.Unlock()
	}()

	args := append(append([]string{}, e.args...), job.Task.Prompt)
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = job.RepoPath

	var logFile *os.File
	if e.logDir != "" {
		if err := os.MkdirAll(e.logDir, 0o755); err == nil {
			logFile, _ = os.Create(filepath.Join(e.logDir, job.AttemptID+".log"))
		}
	}
	if logFile != nil {
		defer logFile.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.finish(job, Result{ExitCode: -1, ErrorMessage: err.Error()})
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		e.finish(job, Result{ExitCode: -1, ErrorMessage: err.Error()})
		return
	}

	prURL, costUSD := e.scanOutput(stdout, job, logFile)

	err = cmd.Wait()
	res := Result{PRURL: prURL, CostUSD: costUSD}
	if err != nil {
		res.ErrorMessage = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	e.finish(job, res)
}

// scanOutput streams process output to the log file and event hub,
// returning the last PR URL and reported cost seen
func (e *ProcessExecutor) scanOutput(r io.Reader, job Job, logFile *os.File) (string, float64) {
	var prURL string
	var costUSD float64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			logFile.WriteString(line + "\n")
		}
		if m := prURLRegex.FindString(line); m != "" {
			prURL = m
		}
		if c := costFromLine(line); c > 0 {
			costUSD = c
		}
		if e.hub != nil {
			e.hub.Publish(events.Event{
				Type: events.TypeLogLineAppended,
				Data: events.LogLineData{AttemptID: job.AttemptID, Line: line},
			})
		}
	}
	return prURL, costUSD
}

// costFromLine extracts the session cost from an agent's JSON result
// line, if the line is one
func costFromLine(line string) float64 {
	if !strings.HasPrefix(line, "{") {
		return 0
	}
	var payload struct {
		CostUSD      float64 `json:"cost_usd"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return 0
	}
	if payload.TotalCostUSD > 0 {
		return payload.TotalCostUSD
	}
	return payload.CostUSD
}

func (e *ProcessExecutor) finish(job Job, res Result) {
	e.log.Info().Str("attempt", job.AttemptID).Int("exit_code", res.ExitCode).Msg("agent finished")
	if e.onComplete != nil {
		e.onComplete(job.AttemptID, res)
	}
}
