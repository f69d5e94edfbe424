// Package scheduler runs backup jobs from cron schedules. Cron entries
// only record trigger stamps; a periodic due check runs every job whose
// trigger stamp is newer than its last delivery.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/metrics"
	"github.com/tis24dev/rcbackup/internal/notify"
	"github.com/tis24dev/rcbackup/internal/orchestrator"
	"github.com/tis24dev/rcbackup/internal/stamps"
	"github.com/tis24dev/rcbackup/internal/types"
)

// Command is a control message for the scheduler loop.
type Command int

const (
	// Reload re-reads the configuration and rebuilds the cron entries.
	Reload Command = iota + 1
	// BackupAll stamps every job as triggered now.
	BackupAll
	// Flush persists both ledgers.
	Flush
	// Shutdown stops triggering, waits for running jobs and flushes.
	Shutdown
)

func (c Command) String() string {
	switch c {
	case Reload:
		return "reload"
	case BackupAll:
		return "backup-all"
	case Flush:
		return "flush"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// reloadDebounce delays a watcher-driven reload so one editor save
// produces one reload.
var reloadDebounce = 500 * time.Millisecond

// JobFunc runs one due job. stamp is the trigger stamp and becomes the
// build time of the run.
type JobFunc func(ctx context.Context, settings config.Settings, job config.JobConfig, stamp float64) (orchestrator.Summary, error)

// Options configure a Scheduler. Load, RunJob and Now have defaults.
type Options struct {
	ConfigPath string
	Load       func(path string) (*config.File, error)
	Delivery   *stamps.Ledger
	Triggers   *stamps.Ledger
	Metrics    *metrics.PrometheusExporter
	// Notifier builds the result notifier from the current settings so a
	// reload picks up new endpoints. Nil disables notifications.
	Notifier func(settings config.Settings) notify.Notifier
	RunJob     JobFunc
	Now        func() time.Time
}

// Scheduler owns the cron triggers, the due check and the running jobs.
type Scheduler struct {
	logger *logging.Logger
	opts   Options

	control chan Command
	wake    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	cfg     *config.File
	cron    *cron.Cron
	running map[string]struct{}
	// deferred is set when a due job found no free slot.
	deferred bool

	group *errgroup.Group
	limit int
}

// New loads the configuration and prepares a scheduler. The initial load
// must succeed; later reload failures keep the previous configuration.
func New(logger *logging.Logger, opts Options) (*Scheduler, error) {
	if opts.Delivery == nil || opts.Triggers == nil {
		return nil, fmt.Errorf("scheduler needs both the delivery and the trigger ledger")
	}
	if opts.Load == nil {
		opts.Load = config.Load
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunJob == nil {
		opts.RunJob = OrchestratorJobFunc(logger, opts.Delivery)
	}

	cfg, err := opts.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		logger:  logger,
		opts:    opts,
		control: make(chan Command, 8),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		cfg:     cfg,
		running: make(map[string]struct{}),
		group:   &errgroup.Group{},
		limit:   cfg.Settings.MaxParallelJobs,
	}
	if s.limit <= 0 {
		s.limit = 1
	}
	s.group.SetLimit(s.limit)
	s.cron = s.newCron(cfg)
	return s, nil
}

// OrchestratorJobFunc runs jobs through orchestrator.Job with keep=true,
// recording deliveries in ledger.
func OrchestratorJobFunc(logger *logging.Logger, ledger orchestrator.Ledger) JobFunc {
	return func(ctx context.Context, settings config.Settings, job config.JobConfig, stamp float64) (orchestrator.Summary, error) {
		deps, err := orchestrator.NewDeps(ctx, logger, settings, job, ledger)
		if err != nil {
			return orchestrator.Summary{Job: job.Name}, err
		}
		keep := true
		j, err := orchestrator.NewJob(job, orchestrator.Options{Keep: &keep}, deps)
		if err != nil {
			return orchestrator.Summary{Job: job.Name}, err
		}
		if !j.IsDue(stamp) {
			logger.Debug("Job %s already delivered stamp %f", job.Name, stamp)
			return j.Summary(), nil
		}
		return j.Run(ctx, stamp)
	}
}

// Send delivers cmd to the control loop. It reports false once the loop
// has exited.
func (s *Scheduler) Send(cmd Command) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.control <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// Config returns the active configuration.
func (s *Scheduler) Config() *config.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Running returns the names of jobs currently running, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run drives the control loop until ctx is cancelled or Shutdown is
// received. Running jobs are not cancelled by either; they finish first.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	jobCtx := context.WithoutCancel(ctx)

	settings := s.Config().Settings
	check := time.NewTicker(settings.CheckInterval)
	defer check.Stop()
	flush := time.NewTicker(settings.FlushInterval)
	defer flush.Stop()

	events, errs, closeWatcher := s.watch(settings.WatchConfig)
	defer closeWatcher()

	s.cronInstance().Start()
	s.logger.Info("Scheduler started with %d jobs (check every %s, flush every %s)",
		len(s.Config().Jobs), settings.CheckInterval, settings.FlushInterval)
	s.checkDue(jobCtx)

	var debounce <-chan time.Time
	reload := func() {
		s.reload()
		next := s.Config().Settings
		check.Reset(next.CheckInterval)
		flush.Reset(next.FlushInterval)
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case cmd := <-s.control:
			s.logger.Debug("Scheduler control message: %s", cmd)
			switch cmd {
			case Reload:
				reload()
			case BackupAll:
				s.backupAll()
				s.checkDue(jobCtx)
			case Flush:
				s.flush()
			case Shutdown:
				s.shutdown()
				return nil
			}
		case <-s.wake:
			s.checkDue(jobCtx)
		case <-check.C:
			s.checkDue(jobCtx)
		case <-flush.C:
			s.flush()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if s.isConfigEvent(ev) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warning("Config watcher: %v", err)
		case <-debounce:
			debounce = nil
			s.logger.Info("Configuration file changed, reloading")
			reload()
		}
	}
}

func (s *Scheduler) cronInstance() *cron.Cron {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron
}

func (s *Scheduler) newCron(cfg *config.File) *cron.Cron {
	log := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log)),
	)
	for _, job := range cfg.Jobs {
		name := job.Name
		for _, spec := range job.Schedule {
			if _, err := c.AddFunc(spec, func() { s.trigger(name) }); err != nil {
				s.logger.Error("Job %s: invalid schedule %q: %v", name, spec, err)
			}
		}
	}
	return c
}

// trigger records that name should run with the current time as stamp.
func (s *Scheduler) trigger(name string) {
	stamp := stamps.FromTime(s.opts.Now())
	if err := s.opts.Triggers.Record(name, stamp); err != nil {
		s.logger.Warning("Job %s: trigger stamp not persisted: %v", name, err)
	}
	s.logger.Info("Job %s triggered", name)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) backupAll() {
	for _, job := range s.Config().Jobs {
		s.trigger(job.Name)
	}
}

func (s *Scheduler) reload() {
	cfg, err := s.opts.Load(s.opts.ConfigPath)
	if err != nil {
		s.logger.Error("Reload failed, keeping previous configuration: %v", err)
		return
	}
	if cfg.Settings.MaxParallelJobs != s.limit {
		s.logger.Warning("max_parallel_jobs change to %d takes effect after restart", cfg.Settings.MaxParallelJobs)
	}

	next := s.newCron(cfg)
	s.mu.Lock()
	prev := s.cron
	s.cfg = cfg
	s.cron = next
	s.mu.Unlock()

	prev.Stop()
	next.Start()
	s.logger.Info("Configuration reloaded: %d jobs", len(cfg.Jobs))
}

// checkDue starts every job whose trigger stamp is newer than its last
// delivery. Deliveries made by other processes are picked up first.
func (s *Scheduler) checkDue(ctx context.Context) {
	if err := s.opts.Delivery.Reload(); err != nil {
		s.logger.Warning("Cannot reload delivery stamps: %v", err)
	}
	cfg := s.Config()
	for _, job := range cfg.Jobs {
		stamp := s.opts.Triggers.Lookup(job.Name)
		if stamp == 0 || !orchestrator.IsDue(s.opts.Delivery, job.Name, stamp) {
			continue
		}
		s.start(ctx, cfg.Settings, job, stamp)
	}
}

func (s *Scheduler) start(ctx context.Context, settings config.Settings, job config.JobConfig, stamp float64) {
	s.mu.Lock()
	if _, busy := s.running[job.Name]; busy {
		s.mu.Unlock()
		s.logger.Debug("Job %s is still running", job.Name)
		return
	}
	s.running[job.Name] = struct{}{}
	s.mu.Unlock()

	started := s.group.TryGo(func() error {
		s.runJob(ctx, settings, job, stamp)
		return nil
	})
	if !started {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.deferred = true
		s.mu.Unlock()
		s.logger.Debug("Job %s waits for a free slot (%d running)", job.Name, s.limit)
	}
}

// finish frees the job's slot. The loop is woken only when another due
// job was deferred; failed jobs wait for the next check.
func (s *Scheduler) finish(name string) {
	s.mu.Lock()
	delete(s.running, name)
	wake := s.deferred
	s.deferred = false
	s.mu.Unlock()
	if wake {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// runJob never lets a job failure or panic escape into the loop.
func (s *Scheduler) runJob(ctx context.Context, settings config.Settings, job config.JobConfig, stamp float64) {
	start := s.opts.Now()
	var (
		summary orchestrator.Summary
		err     error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Critical("Job %s panicked: %v\n%s", job.Name, r, debug.Stack())
		}
		finished := s.opts.Now()
		s.opts.Metrics.Record(metrics.JobRun{
			Job:          job.Name,
			Success:      err == nil,
			Finished:     finished,
			Duration:     finished.Sub(start),
			ArchiveBytes: summary.ArchiveBytes,
			Files:        summary.Files,
			SizeExcluded: summary.SizeExcluded,
		})
		if exportErr := s.opts.Metrics.Export(); exportErr != nil {
			s.logger.Warning("Cannot export metrics: %v", exportErr)
		}
		if err != nil {
			s.logger.Error("Job %s failed: %v", job.Name, err)
		} else {
			s.logger.Info("Job %s finished in %s", job.Name, finished.Sub(start).Round(time.Millisecond))
		}
		if s.opts.Notifier != nil && (err != nil || summary.State == types.StateDelivered) {
			data := notify.NewNotificationData(summary, err, finished.Sub(start))
			notify.Dispatch(ctx, s.logger, s.opts.Notifier(settings), data)
		}
		s.finish(job.Name)
	}()

	s.logger.Info("Running job %s (stamp %s)", job.Name, stamps.Time(stamp).Format(stamps.DateLayout))
	summary, err = s.opts.RunJob(ctx, settings, job, stamp)
}

func (s *Scheduler) flush() {
	if err := s.opts.Triggers.Flush(); err != nil {
		s.logger.Warning("Cannot flush trigger stamps: %v", err)
	}
	if err := s.opts.Delivery.Flush(); err != nil {
		s.logger.Warning("Cannot flush delivery stamps: %v", err)
	}
}

func (s *Scheduler) shutdown() {
	s.logger.Info("Scheduler shutting down")
	<-s.cronInstance().Stop().Done()
	if running := s.Running(); len(running) > 0 {
		s.logger.Info("Waiting for running jobs: %v", running)
	}
	_ = s.group.Wait()
	s.flush()
	if err := s.opts.Metrics.Export(); err != nil {
		s.logger.Warning("Cannot export metrics: %v", err)
	}
}

// watch follows the configuration file's directory so renames by editors
// are seen. A nil channel pair is returned when watching is off or fails.
func (s *Scheduler) watch(enabled bool) (<-chan fsnotify.Event, <-chan error, func()) {
	noop := func() {}
	if !enabled || s.opts.ConfigPath == "" {
		return nil, nil, noop
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warning("Config watcher unavailable: %v", err)
		return nil, nil, noop
	}
	dir := filepath.Dir(s.configPath())
	if err := w.Add(dir); err != nil {
		s.logger.Warning("Cannot watch %s: %v", dir, err)
		w.Close()
		return nil, nil, noop
	}
	s.logger.Debug("Watching %s for configuration changes", dir)
	return w.Events, w.Errors, func() { w.Close() }
}

func (s *Scheduler) configPath() string {
	if cfg := s.Config(); cfg != nil && cfg.Path != "" {
		return filepath.Clean(cfg.Path)
	}
	return filepath.Clean(s.opts.ConfigPath)
}

func (s *Scheduler) isConfigEvent(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != s.configPath() {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// cronLogger routes cron's own messages to the logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
