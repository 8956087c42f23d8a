// Package runner executes external control tools (pfctl, nft, dscacheutil).
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// Exec runs commands with os/exec.
type Exec struct{}

// Run implements Runner.
func (Exec) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ErrClosed is returned by a Serial runner after Close.
var ErrClosed = errors.New("runner closed")

type job struct {
	stdin []byte
	name  string
	args  []string
	ctx   context.Context
	done  chan result
}

type result struct {
	out []byte
	err error
}

// Serial funnels every command through one worker goroutine so invocations
// run one at a time in submission order. A job that has been accepted runs to
// completion even if the caller's context is cancelled meanwhile.
type Serial struct {
	inner Runner
	jobs  chan job
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewSerial starts the worker.
func NewSerial(inner Runner) *Serial {
	s := &Serial{inner: inner, jobs: make(chan job), quit: make(chan struct{})}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Serial) loop() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			out, err := s.inner.Run(j.ctx, j.stdin, j.name, j.args...)
			j.done <- result{out: out, err: err}
		case <-s.quit:
			return
		}
	}
}

// Run implements Runner. It blocks until the job has executed.
func (s *Serial) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	j := job{stdin: stdin, name: name, args: args, ctx: context.WithoutCancel(ctx), done: make(chan result, 1)}
	select {
	case s.jobs <- j:
	case <-s.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-j.done
	return r.out, r.err
}

// Close stops the worker after the running job, if any, finishes.
func (s *Serial) Close() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

var (
	_ Runner = Exec{}
	_ Runner = (*Serial)(nil)
)
