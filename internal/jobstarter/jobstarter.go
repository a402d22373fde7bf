// Package jobstarter launches child processes and reports their exit
// status, standing in for the external "JobStarter" collaborator spec.md
// describes as out of core scope: an opaque lifecycle source that emits a
// child identifier and an exit event.
//
// Grounded on original_source's JobStarter (include/common/job_starter.hpp,
// src/common/job_starter.cpp): fork+execvp becomes os/exec; the worker
// thread that waitpid()s (optionally with a timeout, SIGKILLing and
// reporting exit code -1 on expiry) becomes a goroutine per launched child
// racing its exec.Cmd.Wait() against a timer; and shutdown walks every
// still-running child, killing and reaping it before returning.
package jobstarter

import (
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// OnExit is invoked once per launched child, after it exits (naturally, on
// timeout, or on Shutdown), with its pid and a POSIX-style exit code: the
// process's own exit status if it exited normally, 128+signal if it was
// killed by a signal, or -1 if it was killed on timeout or its status
// could not be determined.
type OnExit func(pid int, exitCode int)

// Options describes one child process to launch.
type Options struct {
	Exe     string
	Args    []string
	Timeout time.Duration // 0 means wait indefinitely
}

// Starter launches child processes and tracks them until they exit.
type Starter struct {
	logger *slog.Logger

	mu       sync.Mutex
	callback OnExit
	children map[int]*exec.Cmd

	wg sync.WaitGroup
}

// New returns a Starter with no callback registered; Launch fails until one
// is set with SetCallback.
func New(logger *slog.Logger) *Starter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Starter{logger: logger, children: map[int]*exec.Cmd{}}
}

// SetCallback replaces the exit callback. Safe for concurrent use.
func (s *Starter) SetCallback(cb OnExit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// Launch starts opt.Exe and returns whether the process was started
// successfully. It fails immediately (without starting anything) if Exe is
// empty or no callback is registered.
func (s *Starter) Launch(opt Options) bool {
	if opt.Exe == "" {
		return false
	}

	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb == nil {
		s.logger.Warn("jobstarter: no callback registered")
		return false
	}

	cmd := exec.Command(opt.Exe, opt.Args...)
	if err := cmd.Start(); err != nil {
		s.logger.Error("jobstarter: start failed", "exe", opt.Exe, "error", err.Error())
		return false
	}

	pid := cmd.Process.Pid
	s.logger.Info("jobstarter: started child", "pid", pid, "exe", opt.Exe)

	s.mu.Lock()
	s.children[pid] = cmd
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker(cmd, pid, opt.Timeout, cb)
	return true
}

func (s *Starter) worker(cmd *exec.Cmd, pid int, timeout time.Duration, cb OnExit) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.children, pid)
		s.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if timeout > 0 {
		select {
		case err := <-done:
			cb(pid, exitCodeFromError(err))
		case <-time.After(timeout):
			_ = cmd.Process.Kill()
			<-done
			s.logger.Warn("jobstarter: child killed on timeout", "pid", pid)
			cb(pid, -1)
		}
		return
	}

	err := <-done
	cb(pid, exitCodeFromError(err))
}

// Shutdown kills and reaps every still-running child, then waits for all
// worker goroutines to finish delivering their exit callbacks.
func (s *Starter) Shutdown() {
	s.mu.Lock()
	for pid, cmd := range s.children {
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Debug("jobstarter: kill on shutdown failed", "pid", pid, "error", err.Error())
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
