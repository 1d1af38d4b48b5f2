// Package orchestrator runs a profile against one session: collect, create,
// setup phases, upload, background job, verification phases and a single
// teardown decision.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"sandboxprobe/internal/collector"
	"sandboxprobe/internal/config"
	"sandboxprobe/internal/job"
	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/runner"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/teardown"
	"sandboxprobe/internal/util"
)

// evidenceLines is how much recent command output is logged after a fatal
// error.
const evidenceLines = 200

const terminateTimeout = 60 * time.Second

// SessionCreationError means no session exists, so there is nothing to
// finalize.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("failed to create session: %v", e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

type Orchestrator struct {
	Config   *config.Config
	Provider session.Provider
	Policy   teardown.Policy
	Printer  *util.Printer
	Log      *logging.Logger
	Runner   *runner.Runner
	Poller   *job.Poller

	// PromptContext derives the context the teardown policy is asked
	// under from a context that is never cancelled. The command line sets
	// it to a fresh interrupt handler so an interrupt during the prompt
	// leaves the session running. When nil, the prompt is cancelled with
	// the run context unless that was already cancelled.
	PromptContext func(parent context.Context) (context.Context, context.CancelFunc)
}

// New wires a runner and poller from cfg. A nil printer or logger falls back
// to the process defaults.
func New(cfg *config.Config, provider session.Provider, policy teardown.Policy, p *util.Printer, log *logging.Logger) *Orchestrator {
	if p == nil {
		p = util.Default
	}
	if log == nil {
		log = logging.Default()
	}
	r := runner.New(p, log)
	r.Timeout = cfg.CommandTimeout.Std()
	r.LogOutput = cfg.LogOutput

	pl := job.New(p, log)
	pl.CheckTimeout = cfg.Job.CheckTimeout.Std()
	pl.ProgressLabel = cfg.Job.ProgressLabel

	return &Orchestrator{
		Config:   cfg,
		Provider: provider,
		Policy:   policy,
		Printer:  p,
		Log:      log,
		Runner:   r,
		Poller:   pl,
	}
}

// Run executes the whole workflow. Once a session exists the teardown
// policy is consulted exactly once, on every return path, before any error
// is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := o.Config
	p := o.Printer
	log := o.Log.WithFields(logging.Fields{"project": cfg.ProjectName})

	p.Banner(cfg.ProjectName)

	p.Printf("\n📁 Collecting files from %s...\n", cfg.LocalDir)
	files, err := collector.Collect(collector.Options{
		LocalDir:       cfg.LocalDir,
		RemoteRoot:     cfg.RemoteRoot,
		Exclusions:     collector.NewExclusionSet(cfg.Exclusions...),
		IgnorePatterns: cfg.IgnorePatterns,
		Warn: func(e *collector.FileAccessError) {
			p.Printf("  ⚠ Skipping %s: %v\n", e.Path, e.Err)
			log.Warn("file skipped", logging.Fields{"path": e.Path, "err": e.Err})
		},
	})
	if err != nil {
		p.Printf("\n❌ %v\n", err)
		return err
	}
	sum := collector.Summarize(files)
	p.Printf("   Found %d files to upload (%s)\n", sum.Files, humanize.Bytes(uint64(sum.Bytes)))
	log.Info("files collected", logging.Fields{"files": sum.Files, "bytes": sum.Bytes, "digest": fmt.Sprintf("%016x", sum.Digest)})

	p.Printf("\n🚀 Creating %s session...\n", cfg.Session.Provider)
	h, err := o.Provider.Create(ctx, cfg.Session.Lifetime.Std())
	if err != nil {
		serr := &SessionCreationError{Err: err}
		p.Printf("\n❌ %v\n", serr)
		log.Error("session creation failed", logging.Fields{"err": err})
		return serr
	}
	p.Printf("   Session ID: %s\n", h.ID())
	log = log.WithFields(logging.Fields{"session": h.ID()})

	var once sync.Once
	finalize := func() {
		once.Do(func() { o.finalize(ctx, h, log) })
	}
	defer finalize()

	if err := o.runWorkflow(ctx, h, files, log); err != nil {
		p.Printf("\n❌ Error during troubleshooting: %v\n", err)
		log.Error("run failed", logging.Fields{"err": err})
		if lines := o.Runner.History.LastN(evidenceLines); len(lines) > 0 {
			log.Error("error evidence", logging.Fields{"lines": lines})
		}
		finalize()
		return err
	}
	return nil
}

func (o *Orchestrator) runWorkflow(ctx context.Context, h session.Handle, files []collector.FileEntry, log *logging.Logger) error {
	cfg := o.Config
	p := o.Printer

	for _, ph := range cfg.PhasesFor(config.StageSetup) {
		if err := o.runPhase(ctx, h, ph, log); err != nil {
			return err
		}
	}

	if err := o.upload(ctx, h, files, log); err != nil {
		return err
	}

	for _, ph := range cfg.PhasesFor(config.StageAfterUpload) {
		if err := o.runPhase(ctx, h, ph, log); err != nil {
			return err
		}
	}

	n := 1
	if cfg.Job.Enabled() {
		p.Banner(fmt.Sprintf("PHASE %d: %s", n, cfg.Job.Label))
		if err := o.runJob(ctx, h, log); err != nil {
			return err
		}
		n++
	}

	for _, ph := range cfg.PhasesFor(config.StageVerify) {
		p.Banner(fmt.Sprintf("PHASE %d: %s", n, ph.Name))
		if err := o.runPhase(ctx, h, ph, log); err != nil {
			return err
		}
		n++
	}

	p.Banner("TROUBLESHOOTING COMPLETE")
	p.Printf("\n  Session ID: %s\n", h.ID())
	if lt := h.Lifetime(); lt > 0 {
		p.Printf("  The session will stay alive for ~%ds\n", int(lt/time.Second))
	}
	p.Println("  You can connect to it for manual investigation if needed.")
	p.Println()
	log.Info("run complete", nil)
	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, h session.Handle, ph config.Phase, log *logging.Logger) error {
	log = log.WithFields(logging.Fields{"phase": ph.Name, "stage": ph.Stage})
	log.Info("phase start", logging.Fields{"commands": len(ph.Commands)})
	for _, c := range ph.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := o.Runner.Run(ctx, h, runner.Command{
			Label:        c.Label,
			Run:          c.Run,
			Timeout:      c.Timeout.Std(),
			AllowFailure: c.Tolerant(),
		})
		if err != nil {
			return fmt.Errorf("phase %q: %w", ph.Name, err)
		}
	}
	return nil
}

// upload writes every entry sequentially. Any write failure is fatal.
func (o *Orchestrator) upload(ctx context.Context, h session.FileWriter, files []collector.FileEntry, log *logging.Logger) error {
	p := o.Printer
	every := o.Config.UploadProgressEvery
	if every <= 0 {
		every = 20
	}

	p.Printf("\n📤 Uploading %d files to %s...\n", len(files), o.Config.RemoteRoot)
	start := time.Now()
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.WriteFile(ctx, f.RemotePath, f.Data); err != nil {
			log.Error("upload failed", logging.Fields{"path": f.RemotePath, "err": err})
			return fmt.Errorf("failed to upload %s: %w", f.RemotePath, err)
		}
		if (i+1)%every == 0 || i+1 == len(files) {
			p.Printf("   Uploaded %d/%d files...\n", i+1, len(files))
		}
	}
	elapsed := time.Since(start)
	p.Printf("   ✔ Upload complete in %.1fs\n", elapsed.Seconds())
	log.Info("upload complete", logging.Fields{"files": len(files), "elapsed": elapsed.String()})
	return nil
}

// runJob launches the background job, supervises it and shows its captured
// output. A launch failure or a poll timeout only warns.
func (o *Orchestrator) runJob(ctx context.Context, h session.Handle, log *logging.Logger) error {
	cfg := o.Config
	p := o.Printer
	j := cfg.Job

	p.Printf("\n  Starting %s in background...\n", j.Label)
	handle, err := o.Poller.Launch(ctx, h, j.Command, cfg.Paths.Sentinel, cfg.Paths.JobOutput)
	if err != nil {
		p.Printf("  ⚠ %v\n", err)
		log.Warn("background job launch failed", logging.Fields{"err": err})
	} else {
		outcome, err := o.Poller.Poll(ctx, h, handle, j.MaxWait.Std(), j.Interval.Std(), j.ProgressQuery)
		if err != nil {
			return err
		}
		if !outcome.Done {
			p.Printf("  ⚠ %s timed out after %ds - continuing with partial results\n", j.Label, int(outcome.Elapsed/time.Second))
			log.Warn("background job timed out", logging.Fields{"elapsed": outcome.Elapsed.String()})
		}
	}

	_, err = o.Runner.Run(ctx, h, runner.Command{
		Label:        j.Label + " output",
		Run:          fmt.Sprintf("cat %s 2>/dev/null || echo 'No output captured'", util.ShellQuote(cfg.Paths.JobOutput)),
		AllowFailure: true,
	})
	return err
}

func (o *Orchestrator) promptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.PromptContext != nil {
		return o.PromptContext(context.WithoutCancel(ctx))
	}
	if ctx.Err() != nil {
		return context.WithoutCancel(ctx), func() {}
	}
	return context.WithCancel(ctx)
}

// finalize asks the teardown policy and applies its decision. Anything but
// an explicit Terminate leaves the session running.
func (o *Orchestrator) finalize(runCtx context.Context, h session.Handle, log *logging.Logger) {
	p := o.Printer
	pctx, cancel := o.promptContext(runCtx)
	decision, err := o.Policy.Decide(pctx, h.ID())
	cancel()
	ctx := context.WithoutCancel(runCtx)
	if err != nil {
		p.Println()
		p.Println("  Session left running.")
		log.Info("teardown prompt unanswered", logging.Fields{"err": err})
		o.detach(h, log)
		return
	}
	log.Info("teardown decision", logging.Fields{"decision": decision.String()})

	if decision == teardown.Terminate {
		tctx, cancel := context.WithTimeout(ctx, terminateTimeout)
		defer cancel()
		if err := h.Terminate(tctx); err != nil {
			p.Printf("  ⚠ Failed to terminate session %s: %v\n", h.ID(), err)
			log.Error("terminate failed", logging.Fields{"err": err})
			return
		}
		p.Println("  Session terminated.")
		return
	}
	o.detach(h, log)
	p.Printf("  Session %s left running (will auto-terminate after timeout).\n", h.ID())
}

func (o *Orchestrator) detach(h session.Handle, log *logging.Logger) {
	if err := h.Detach(); err != nil {
		log.Warn("detach failed", logging.Fields{"err": err})
	}
}
