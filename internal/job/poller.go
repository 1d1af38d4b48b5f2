// Package job launches a detached background command in a session and
// supervises it by polling for a sentinel file.
package job

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/util"
)

// Handle identifies a launched job. The job itself writes SentinelPath when
// it finishes; its combined output goes to OutputPath.
type Handle struct {
	OutputPath   string
	SentinelPath string
	StartedAt    time.Time
}

// Outcome is the result of a poll: Completed or TimedOut, with the elapsed
// supervision time.
type Outcome struct {
	Done    bool
	Elapsed time.Duration
}

func Completed(elapsed time.Duration) Outcome { return Outcome{Done: true, Elapsed: elapsed} }
func TimedOut(elapsed time.Duration) Outcome  { return Outcome{Elapsed: elapsed} }

func (o Outcome) String() string {
	if o.Done {
		return fmt.Sprintf("Completed(%s)", o.Elapsed)
	}
	return fmt.Sprintf("TimedOut(%s)", o.Elapsed)
}

// Clock is the time source of the poll loop.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Session is what the poller needs from a session.
type Session interface {
	session.Executor
	session.Starter
}

// Poller launches and supervises one job at a time.
type Poller struct {
	Printer *util.Printer
	Log     *logging.Logger
	Clock   Clock
	// CheckTimeout bounds every sentinel check and progress query.
	CheckTimeout time.Duration
	// ProgressLabel follows the progress query result, e.g. "plugins cloned so far".
	ProgressLabel string
}

// New returns a poller on the wall clock.
func New(p *util.Printer, log *logging.Logger) *Poller {
	if p == nil {
		p = util.Default
	}
	if log == nil {
		log = logging.Default()
	}
	return &Poller{Printer: p, Log: log, Clock: RealClock, CheckTimeout: 10 * time.Second}
}

func (p *Poller) clock() Clock {
	if p.Clock == nil {
		return RealClock
	}
	return p.Clock
}

func (p *Poller) checkTimeout() time.Duration {
	if p.CheckTimeout <= 0 {
		return 10 * time.Second
	}
	return p.CheckTimeout
}

// boundedTimeout keeps a single check or query from running past the end of
// the supervision window.
func (p *Poller) boundedTimeout(remaining time.Duration) time.Duration {
	if t := p.checkTimeout(); t < remaining {
		return t
	}
	return remaining
}

// Launch clears any stale sentinel and starts command detached, with its
// stdout and stderr redirected to outputPath. It does not wait for the
// command.
func (p *Poller) Launch(ctx context.Context, s Session, command, sentinelPath, outputPath string) (*Handle, error) {
	if _, err := s.Execute(ctx, "rm -f "+util.ShellQuote(sentinelPath), p.checkTimeout()); err != nil {
		p.Log.Warn("failed to clear stale sentinel", logging.Fields{"sentinel": sentinelPath, "err": err})
	}
	wrapped := fmt.Sprintf("( %s ) > %s 2>&1", command, util.ShellQuote(outputPath))
	if err := s.Start(ctx, wrapped); err != nil {
		return nil, fmt.Errorf("failed to launch background job: %w", err)
	}
	h := &Handle{OutputPath: outputPath, SentinelPath: sentinelPath, StartedAt: p.clock().Now()}
	p.Log.Info("background job launched", logging.Fields{"sentinel": sentinelPath, "output": outputPath})
	return h, nil
}

// Poll waits for the sentinel of h until maxWait has elapsed, checking every
// interval. After each unsuccessful check it runs progressQuery (if any) and
// reports its output. Failed checks and queries count as still waiting. The
// only error is cancellation of ctx.
func (p *Poller) Poll(ctx context.Context, s session.Executor, h *Handle, maxWait, interval time.Duration, progressQuery string) (Outcome, error) {
	clk := p.clock()
	start := clk.Now()
	check := fmt.Sprintf("test -f %s && echo DONE || echo WAITING", util.ShellQuote(h.SentinelPath))
	log := p.Log.WithFields(logging.Fields{"sentinel": h.SentinelPath})

	for {
		elapsed := clk.Now().Sub(start)
		if elapsed >= maxWait {
			return TimedOut(maxWait), nil
		}

		res, err := s.Execute(ctx, check, p.boundedTimeout(maxWait-elapsed))
		if ctx.Err() != nil {
			return TimedOut(clk.Now().Sub(start)), ctx.Err()
		}
		if err != nil {
			log.Debug("sentinel check failed", logging.Fields{"err": err})
		} else if strings.Contains(res.Stdout, "DONE") {
			elapsed = clk.Now().Sub(start)
			p.Printer.Printf("  ✔ Background job completed in %.0fs\n", elapsed.Seconds())
			log.Info("background job completed", logging.Fields{"elapsed": elapsed.String()})
			return Completed(elapsed), nil
		}

		elapsed = clk.Now().Sub(start)
		p.progress(ctx, s, progressQuery, elapsed, maxWait-elapsed, log)

		wait := interval
		if remaining := maxWait - clk.Now().Sub(start); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			if err := clk.Sleep(ctx, wait); err != nil {
				return TimedOut(clk.Now().Sub(start)), err
			}
		}
	}
}

func (p *Poller) progress(ctx context.Context, s session.Executor, query string, elapsed, remaining time.Duration, log *logging.Logger) {
	secs := int(elapsed / time.Second)
	if query == "" || remaining <= 0 {
		p.Printer.Printf("  ⏳ %ds elapsed...\n", secs)
		return
	}
	res, err := s.Execute(ctx, query, p.boundedTimeout(remaining))
	if err != nil {
		log.Debug("progress query failed", logging.Fields{"err": err})
		p.Printer.Printf("  ⏳ %ds elapsed...\n", secs)
		return
	}
	count := strings.TrimSpace(res.Stdout)
	if count == "" {
		count = "0"
	}
	if p.ProgressLabel != "" {
		p.Printer.Printf("  ⏳ %ds elapsed... %s %s\n", secs, count, p.ProgressLabel)
	} else {
		p.Printer.Printf("  ⏳ %ds elapsed... %s\n", secs, count)
	}
}
