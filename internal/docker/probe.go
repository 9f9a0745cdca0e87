package docker

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Executor runs commands inside containers.
type Executor interface {
	Exec(ctx context.Context, name string, req ExecRequest) (ExecResult, error)
}

// Prober polls the IDE endpoint inside a workspace container until it answers.
type Prober struct {
	exec     Executor
	timeout  time.Duration
	interval time.Duration
	port     int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// ProberOption customises a Prober.
type ProberOption func(*Prober)

// WithClock replaces the wall clock and sleep used between attempts.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) ProberOption {
	return func(p *Prober) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithPort overrides the in-container port probed.
func WithPort(port int) ProberOption {
	return func(p *Prober) {
		if port > 0 {
			p.port = port
		}
	}
}

// NewProber constructs a Prober bounded by timeout and polling every interval.
func NewProber(exec Executor, timeout, interval time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		exec:     exec,
		timeout:  timeout,
		interval: interval,
		port:     8080,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitReady returns true once the IDE answers with any HTTP status between
// 200 and 599. It returns false when the timeout elapses or ctx ends; it never
// fails the caller.
func (p *Prober) WaitReady(ctx context.Context, name string) bool {
	deadline := p.now().Add(p.timeout)
	req := ExecRequest{Cmd: p.command()}
	for {
		res, err := p.exec.Exec(ctx, name, req)
		if err == nil && isLiveStatus(res.Stdout) {
			return true
		}
		if !p.now().Before(deadline) {
			return false
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return false
		}
	}
}

func (p *Prober) command() []string {
	return []string{
		"curl", "-s", "-o", "/dev/null",
		"-w", "%{http_code}",
		"--max-time", "2",
		"http://localhost:" + strconv.Itoa(p.port) + "/",
	}
}

func isLiveStatus(out string) bool {
	code := strings.TrimSpace(out)
	if len(code) != 3 {
		return false
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return n >= 200 && n <= 599
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
