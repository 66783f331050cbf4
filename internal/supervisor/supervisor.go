// Package supervisor spawns the coding assistant for a run, consumes its
// event stream, keeps the run's heartbeat fresh and maps the process exit to
// a terminal status.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/events"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// streamGrace bounds how long Wait keeps reading stdout after the process
// exited, in case a grandchild still holds the pipe open.
var streamGrace = 2 * time.Second

type Config struct {
	Binary            string
	HeartbeatInterval time.Duration
	StallThreshold    time.Duration
	IdleTimeout       time.Duration
	Env               []string
}

type CommandSpec struct {
	Args    []string
	Env     []string
	LogPath string
}

type Outcome struct {
	Status     models.RunStatus
	ExitCode   int
	Err        error
	SessionRef string
	Progress   models.Progress
}

// CriticalTracker is told when the assistant starts and finishes a git
// operation that must not be interrupted.
type CriticalTracker interface {
	EnterCritical(runID, label string)
	ExitCritical(runID, label string)
}

type Supervisor struct {
	cfg      Config
	binDir   string
	store    *storage.Storage
	critical CriticalTracker
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	procs   map[string]*process
	onStall func(runID string, err error)
}

// ResolveBinary turns name into an absolute, symlink-free path to an
// executable.
func ResolveBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("binary %q not found: %w", name, err)
	}
	if path, err = filepath.Abs(path); err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(path)
}

func New(cfg Config, store *storage.Storage, critical CriticalTracker, logger *slog.Logger) (*Supervisor, error) {
	if !filepath.IsAbs(cfg.Binary) {
		return nil, fmt.Errorf("binary path %q is not absolute", cfg.Binary)
	}
	info, err := os.Stat(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("binary %s: %w", cfg.Binary, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return nil, fmt.Errorf("binary %s is not executable", cfg.Binary)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 5 * time.Minute
	}
	return &Supervisor{
		cfg:      cfg,
		binDir:   filepath.Dir(cfg.Binary),
		store:    store,
		critical: critical,
		logger:   logger,
		now:      time.Now,
		procs:    make(map[string]*process),
	}, nil
}

func (s *Supervisor) Binary() string { return s.cfg.Binary }

// OnStall registers the handler called once per run when it is suspected
// stuck. The handler runs on its own goroutine.
func (s *Supervisor) OnStall(fn func(runID string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStall = fn
}

// Spawn starts the assistant in workspacePath. The process outlives ctx; it
// ends with its own exit or a signal.
func (s *Supervisor) Spawn(ctx context.Context, runID, workspacePath string, spec CommandSpec) (*models.ProcessHandle, error) {
	fail := func(err error) (*models.ProcessHandle, error) {
		return nil, models.NewError(models.KindProcess, runID, "spawn", err)
	}

	s.mu.Lock()
	_, exists := s.procs[runID]
	s.mu.Unlock()
	if exists {
		return fail(errors.New("run already has a live process"))
	}

	var transcript *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
			return fail(fmt.Errorf("failed to create log directory: %w", err))
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fail(fmt.Errorf("failed to open transcript: %w", err))
		}
		transcript = f
	}

	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		closeQuietly(transcript)
		return fail(fmt.Errorf("failed to create stdout pipe: %w", err))
	}

	stderr := newTailBuffer(4096)
	cmd := &exec.Cmd{
		Path:        s.cfg.Binary,
		Args:        append([]string{s.cfg.Binary}, spec.Args...),
		Dir:         workspacePath,
		Env:         s.environ(spec.Env),
		Stdout:      stdoutW,
		Stderr:      stderr,
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
		WaitDelay:   streamGrace,
	}

	s.logger.Info("starting assistant", "run_id", runID, "binary", s.cfg.Binary, "dir", workspacePath)
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		closeQuietly(transcript)
		return fail(fmt.Errorf("failed to start process: %w", err))
	}
	stdoutW.Close()

	now := s.now().UTC()
	handle := &models.ProcessHandle{
		RunID:         runID,
		PID:           cmd.Process.Pid,
		SupervisorPID: os.Getpid(),
		LastHeartbeat: now,
		StartedAt:     now,
	}

	p := &process{
		runID:      runID,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		stdout:     stdout,
		stderr:     stderr,
		done:       make(chan struct{}),
		streamDone: make(chan struct{}),
		lastBeat:   now,
		lastEvent:  now,
		openTools:  make(map[string]string),
	}

	if err := s.store.UpsertHandle(ctx, handle); err != nil {
		_ = syscall.Kill(-p.pid, syscall.SIGKILL)
		_ = cmd.Wait()
		stdout.Close()
		closeQuietly(transcript)
		return fail(fmt.Errorf("failed to record process handle: %w", err))
	}

	s.mu.Lock()
	s.procs[runID] = p
	s.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go s.consume(bg, p, transcript)
	go s.waitExit(p)

	s.logger.Info("assistant started", "run_id", runID, "pid", p.pid)
	return handle, nil
}

func (s *Supervisor) environ(extra []string) []string {
	env := make([]string, 0, len(os.Environ())+len(s.cfg.Env)+len(extra)+1)
	path := s.binDir
	for _, kv := range os.Environ() {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			if v != "" {
				path += string(os.PathListSeparator) + v
			}
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "PATH="+path)
	env = append(env, s.cfg.Env...)
	return append(env, extra...)
}

func (s *Supervisor) consume(ctx context.Context, p *process, transcript *os.File) {
	defer close(p.streamDone)
	defer closeQuietly(transcript)

	dec := events.NewDecoder(p.stdout, s.logger.With("run_id", p.runID))
	for {
		evt, err := dec.Next()
		if err == io.EOF {
			break
		}
		var lineErr *events.LineError
		if errors.As(err, &lineErr) {
			p.mu.Lock()
			p.malformed++
			p.mu.Unlock()
			continue
		}
		if err != nil {
			p.mu.Lock()
			p.streamErr = err
			p.mu.Unlock()
			s.logger.Warn("event stream broken, draining output", "run_id", p.runID, "error", err)
			_, _ = io.Copy(io.Discard, p.stdout)
			break
		}

		if transcript != nil {
			if _, err := transcript.Write(append(evt.Raw, '\n')); err != nil {
				s.logger.Debug("transcript write failed", "run_id", p.runID, "error", err)
			}
		}
		s.observe(ctx, p, evt)
	}
}

func (s *Supervisor) observe(ctx context.Context, p *process, evt *events.Event) {
	now := s.now().UTC()

	var entered, exited []string
	var sessionRef string

	p.mu.Lock()
	p.lastEvent = now
	switch evt.Type {
	case events.TypeSystem:
		if evt.SessionID != "" && p.sessionRef == "" {
			p.sessionRef = evt.SessionID
			sessionRef = evt.SessionID
		}
	case events.TypeAssistant:
		p.progress.Turns++
		for _, use := range evt.ToolUses() {
			p.progress.ToolInvocations++
			if use.MutatesGit() {
				p.openTools[use.ID] = use.Name + " " + use.ID
				entered = append(entered, p.openTools[use.ID])
			}
		}
	case events.TypeUser:
		for _, res := range evt.ToolResults() {
			if label, ok := p.openTools[res.ToolUseID]; ok {
				delete(p.openTools, res.ToolUseID)
				exited = append(exited, label)
			}
		}
	case events.TypeResult:
		p.final = evt
		if evt.SessionID != "" && p.sessionRef == "" {
			p.sessionRef = evt.SessionID
			sessionRef = evt.SessionID
		}
		if evt.NumTurns > p.progress.Turns {
			p.progress.Turns = evt.NumTurns
		}
	}
	p.progress.LastEvent = evt.Type
	progress := p.progress
	p.mu.Unlock()

	if s.critical != nil {
		for _, label := range entered {
			s.critical.EnterCritical(p.runID, label)
		}
		for _, label := range exited {
			s.critical.ExitCritical(p.runID, label)
		}
	}

	s.beat(ctx, p, now)
	if err := s.store.UpdateProgress(ctx, p.runID, progress); err != nil {
		s.logger.Debug("progress update failed", "run_id", p.runID, "error", err)
	}
	if sessionRef != "" {
		if err := s.store.SetExternalSessionRef(ctx, p.runID, sessionRef); err != nil {
			s.logger.Warn("failed to record session ref", "run_id", p.runID, "error", err)
		}
	}
}

func (s *Supervisor) beat(ctx context.Context, p *process, at time.Time) {
	if err := s.store.Heartbeat(ctx, p.runID, at); err != nil {
		s.logger.Warn("heartbeat failed", "run_id", p.runID, "error", err)
		return
	}
	p.mu.Lock()
	if at.After(p.lastBeat) {
		p.lastBeat = at
	}
	p.mu.Unlock()
}

func (s *Supervisor) waitExit(p *process) {
	err := p.cmd.Wait()

	select {
	case <-p.streamDone:
	case <-time.After(streamGrace):
		s.logger.Warn("event stream still open after exit", "run_id", p.runID)
		p.stdout.Close()
		<-p.streamDone
	}
	p.stdout.Close()

	p.mu.Lock()
	p.waitErr = err
	p.exitCode = p.cmd.ProcessState.ExitCode()
	var open []string
	for id, label := range p.openTools {
		open = append(open, label)
		delete(p.openTools, id)
	}
	p.mu.Unlock()

	if s.critical != nil {
		for _, label := range open {
			s.critical.ExitCritical(p.runID, label)
		}
	}

	s.logger.Info("assistant exited", "run_id", p.runID, "pid", p.pid, "exit_code", p.exitCode)
	close(p.done)
}

// Wait blocks until the run's process has exited and its stream is fully
// consumed, then reports the outcome.
func (s *Supervisor) Wait(ctx context.Context, runID string) (Outcome, error) {
	p := s.get(runID)
	if p == nil {
		return Outcome{}, fmt.Errorf("run %s is not supervised here: %w", runID, models.ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-p.done:
	}
	return p.outcome(), nil
}

// MarkCancelRequested makes the eventual exit of runID map to killed.
func (s *Supervisor) MarkCancelRequested(runID string) {
	if p := s.get(runID); p != nil {
		p.mu.Lock()
		p.cancelRequested = true
		p.mu.Unlock()
	}
}

// Signal delivers sig to the run's process, or its whole process group. A
// run supervised by another engine process is reached through the pid in
// its handle. A process that is already gone is not an error.
func (s *Supervisor) Signal(ctx context.Context, runID string, sig syscall.Signal, group bool) error {
	pid, err := s.pid(ctx, runID)
	if err != nil {
		return models.NewError(models.KindCancellation, runID, "signal", err)
	}
	target := pid
	if group {
		target = -pid
	}
	err = syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return models.NewError(models.KindCancellation, runID, "signal", fmt.Errorf("%s to pid %d: %w", sig, target, err))
	}
	s.logger.Info("signal sent", "run_id", runID, "signal", sig.String(), "pid", target)
	return nil
}

func (s *Supervisor) pid(ctx context.Context, runID string) (int, error) {
	if p := s.get(runID); p != nil {
		return p.pid, nil
	}
	h, err := s.store.GetHandle(ctx, runID)
	if err != nil {
		return 0, err
	}
	return h.PID, nil
}

// Alive reports whether the run's process is still running.
func (s *Supervisor) Alive(ctx context.Context, runID string) bool {
	if p := s.get(runID); p != nil {
		return !p.exited()
	}
	h, err := s.store.GetHandle(ctx, runID)
	if err != nil {
		return false
	}
	return PIDAlive(h.PID)
}

// WaitExit waits up to d for the run's process to exit and reports whether
// it did.
func (s *Supervisor) WaitExit(ctx context.Context, runID string, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	if p := s.get(runID); p != nil {
		select {
		case <-p.done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !s.Alive(ctx, runID) {
			return true
		}
		select {
		case <-timer.C:
			return !s.Alive(ctx, runID)
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) Handle(ctx context.Context, runID string) (*models.ProcessHandle, error) {
	return s.store.GetHandle(ctx, runID)
}

// Reap drops the run's process handle. A local process is forgotten once it
// has exited.
func (s *Supervisor) Reap(ctx context.Context, runID string) error {
	s.mu.Lock()
	if p, ok := s.procs[runID]; ok && p.exited() {
		delete(s.procs, runID)
	}
	s.mu.Unlock()
	return s.store.DeleteHandle(ctx, runID)
}

// IsLocal reports whether runID's process is supervised by this engine.
func (s *Supervisor) IsLocal(runID string) bool {
	return s.get(runID) != nil
}

// Run refreshes heartbeats of live processes every HeartbeatInterval until
// ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat sweep and reports newly stalled runs.
func (s *Supervisor) Tick(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	handler := s.onStall
	s.mu.Unlock()

	for _, p := range procs {
		if p.exited() {
			continue
		}
		now := s.now().UTC()
		if PIDAlive(p.pid) {
			s.beat(ctx, p, now)
		}

		stall := s.checkStall(p, now)
		if stall == nil {
			continue
		}
		s.logger.Warn("run suspected stuck", "run_id", p.runID, "error", stall)
		if handler != nil {
			go handler(p.runID, stall)
		}
	}
}

func (s *Supervisor) checkStall(p *process, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stallReported || p.cancelRequested {
		return nil
	}

	var err error
	if since := now.Sub(p.lastBeat); since > s.cfg.StallThreshold {
		err = fmt.Errorf("no heartbeat for %s", since.Round(time.Second))
	} else if s.cfg.IdleTimeout > 0 {
		if since := now.Sub(p.lastEvent); since > s.cfg.IdleTimeout {
			err = fmt.Errorf("no output for %s", since.Round(time.Millisecond))
		}
	}
	if err == nil {
		return nil
	}
	p.stallReported = true
	return models.NewError(models.KindStall, p.runID, "heartbeat", err)
}

func (s *Supervisor) get(runID string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[runID]
}

// PIDAlive reports whether a process with pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
