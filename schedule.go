package faultd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// ScheduleStep is one delay change in a fault plan. After is the offset from
// the completion of the previous step; Delay is the forwarding delay to put
// in effect. In YAML both fields accept Go duration strings ("1.5s",
// "200ms") or bare integers, which are read as milliseconds.
type ScheduleStep struct {
	After time.Duration `yaml:"after"`
	Delay time.Duration `yaml:"delay"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ScheduleStep) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		After scheduleDuration `yaml:"after"`
		Delay scheduleDuration `yaml:"delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.After = time.Duration(raw.After)
	s.Delay = time.Duration(raw.Delay)
	return nil
}

type scheduleDuration time.Duration

func (d *scheduleDuration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = scheduleDuration(time.Duration(asInt) * time.Millisecond)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = scheduleDuration(parsed)
	return nil
}

// Schedule is an ordered fault plan, typically loaded from YAML:
//
//	steps:
//	  - after: 0s
//	    delay: 3s
//	  - after: 11.9s
//	    delay: 0s
//
// Apply runs the steps in order. Intermediate steps are driven by the runner
// itself: it waits out the offset, then applies the delay with synchronous
// confirmation. Only the final step is left armed with the harness scheduler,
// so Apply returns as soon as the plan's last change is scheduled.
type Schedule struct {
	Steps []ScheduleStep `yaml:"steps"`
}

// ParseSchedule decodes a YAML fault plan.
func ParseSchedule(data []byte) (Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schedule{}, fmt.Errorf("schedule: parse: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// LoadSchedule reads and decodes a YAML fault plan from path.
func LoadSchedule(path string) (Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule: read %q: %w", path, err)
	}
	return ParseSchedule(data)
}

// Validate reports plan errors Apply cannot run with.
func (s Schedule) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("schedule: no steps")
	}
	for i, step := range s.Steps {
		if step.After < 0 {
			return fmt.Errorf("schedule: step %d: negative after %s", i, step.After)
		}
		if step.Delay < 0 {
			return fmt.Errorf("schedule: step %d: negative delay %s", i, step.Delay)
		}
	}
	return nil
}

// Apply executes the plan against ctrl. It returns once every intermediate
// step has been confirmed and the final step is armed (or, for a zero-offset
// final step, confirmed).
func (s Schedule) Apply(ctx context.Context, ctrl *Controller, logger pslog.Logger) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "harness.schedule")
	clk := ctrl.ctrl.clk
	for i, step := range s.Steps {
		last := i == len(s.Steps)-1
		logger.Debug("faultd.schedule.step",
			"step", i,
			"after", step.After,
			"delay", step.Delay,
			"final", last)
		if last && step.After > 0 {
			return ctrl.ScheduleDelay(ctx, step.After, step.Delay)
		}
		if step.After > 0 {
			t := clk.NewTimer(step.After)
			select {
			case <-t.C():
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		if err := ctrl.ScheduleDelay(ctx, 0, step.Delay); err != nil {
			return fmt.Errorf("schedule: step %d: %w", i, err)
		}
	}
	return nil
}

// ScheduleWatcher reports changes to a fault plan file. Events are coalesced;
// a pending notification absorbs later ones until consumed.
type ScheduleWatcher struct {
	watcher *fsnotify.Watcher
	name    string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// WatchScheduleFile registers a filesystem watcher for the plan file. The
// parent directory is watched so editors that replace the file on save are
// still observed.
func WatchScheduleFile(path string) (*ScheduleWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("schedule: resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("schedule: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("schedule: watch %q: %w", filepath.Dir(abs), err)
	}
	w := &ScheduleWatcher{
		watcher: watcher,
		name:    filepath.Base(abs),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events delivers one notification per observed change burst.
func (w *ScheduleWatcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher. Safe to call more than once.
func (w *ScheduleWatcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	return nil
}

func (w *ScheduleWatcher) run() {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.signal()
		case <-w.watcher.Errors:
			w.signal()
		}
	}
}

func (w *ScheduleWatcher) signal() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// RunScheduleFile loads the plan at path, waits for a connection to be
// admitted, and applies the plan. With watch enabled it keeps running: every
// change to the file reloads and re-applies the plan (superseding whatever
// was pending) until ctx ends. Reload failures are logged and the previous
// plan's effects stay in place.
func RunScheduleFile(ctx context.Context, path string, ctrl *Controller, watch bool, logger pslog.Logger) error {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "harness.schedule")
	plan, err := LoadSchedule(path)
	if err != nil {
		return err
	}
	if _, err := ctrl.AwaitLink(ctx); err != nil {
		return err
	}
	if err := plan.Apply(ctx, ctrl, logger); err != nil {
		return err
	}
	if !watch {
		return nil
	}
	watcher, err := WatchScheduleFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	logger.Info("faultd.schedule.watching", "path", path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			plan, err := LoadSchedule(path)
			if err != nil {
				logger.Warn("faultd.schedule.reload_failed", "path", path, "error", err)
				continue
			}
			if err := plan.Apply(ctx, ctrl, logger); err != nil {
				logger.Warn("faultd.schedule.apply_failed", "path", path, "error", err)
				continue
			}
			logger.Info("faultd.schedule.reloaded", "path", path, "steps", len(plan.Steps))
		}
	}
}
