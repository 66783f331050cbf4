package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mpataki/foreman/internal/events"
	"github.com/mpataki/foreman/internal/models"
)

type process struct {
	runID  string
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *tailBuffer

	done       chan struct{}
	streamDone chan struct{}

	mu              sync.Mutex
	lastBeat        time.Time
	lastEvent       time.Time
	progress        models.Progress
	sessionRef      string
	final           *events.Event
	malformed       int
	streamErr       error
	waitErr         error
	exitCode        int
	cancelRequested bool
	stallReported   bool
	openTools       map[string]string
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	o := Outcome{
		ExitCode:   p.exitCode,
		SessionRef: p.sessionRef,
		Progress:   p.progress,
	}
	switch {
	case p.cancelRequested:
		o.Status = models.RunStatusKilled
	case p.exitCode == 0 && p.streamErr == nil && p.final != nil && !p.final.IsError:
		o.Status = models.RunStatusCompleted
	default:
		o.Status = models.RunStatusFailed
		o.Err = models.NewError(models.KindProcess, p.runID, "exit", errors.New(p.failureDetail()))
	}
	return o
}

func (p *process) failureDetail() string {
	var parts []string
	if p.exitCode == -1 {
		msg := "process terminated"
		var exitErr *exec.ExitError
		if errors.As(p.waitErr, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				msg += " by " + ws.Signal().String()
			}
		}
		parts = append(parts, msg)
	} else {
		parts = append(parts, fmt.Sprintf("exit code %d", p.exitCode))
	}

	switch {
	case p.streamErr != nil:
		parts = append(parts, p.streamErr.Error())
	case p.final == nil:
		parts = append(parts, "stream ended without a result event")
	case p.final.IsError:
		detail := "assistant reported error"
		if p.final.Subtype != "" {
			detail += " (" + p.final.Subtype + ")"
		}
		if p.final.Result != "" {
			detail += ": " + p.final.Result
		}
		parts = append(parts, detail)
	}
	if p.malformed > 0 {
		parts = append(parts, fmt.Sprintf("%d malformed event lines", p.malformed))
	}
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		parts = append(parts, "stderr: "+tail)
	}
	return strings.Join(parts, "; ")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
