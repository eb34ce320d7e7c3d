// Package configwatch implements the ConfigurationManager (§4.8): a
// debounced fsnotify watcher that validates, diffs, and atomically swaps the
// in-memory Config, publishing config:reloaded on the EventBus.
package configwatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/common/constants"
	"github.com/cyrus-run/cyrus/internal/common/logger"
	"github.com/cyrus-run/cyrus/internal/events/bus"
)

// ReloadedEventType is the EventBus subject/type published on a successful
// hot-reload (§4.8: "emits a config:reloaded event with the diff").
const ReloadedEventType = "config:reloaded"

// ReloadedSubject is the EventBus subject config:reloaded events are
// published on.
const ReloadedSubject = "cyrus.config.reloaded"

// Manager watches the on-disk config file and keeps an in-memory, atomically
// swappable Config current.
type Manager struct {
	log       *logger.Logger
	cyrusHome string
	eventBus  bus.EventBus

	mu      sync.RWMutex
	current *config.Config

	watcher    *fsnotify.Watcher
	suppressed atomic.Bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New creates a Manager seeded with an already-loaded Config.
func New(log *logger.Logger, cyrusHome string, initial *config.Config, eventBus bus.EventBus) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		log:       log,
		cyrusHome: cyrusHome,
		eventBus:  eventBus,
		current:   initial,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Current returns the current in-memory Config.
func (m *Manager) Current() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Start begins watching the config file. It is safe to call once; Stop tears
// the watch down.
func (m *Manager) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w

	path := config.ConfigFilePath(m.cyrusHome)
	if err := w.Add(path); err != nil {
		// Missing file is tolerated (§4.2 Load does the same) — watch the
		// parent directory instead so a later create is still observed.
		if watchErr := w.Add(m.cyrusHome); watchErr != nil {
			w.Close()
			return watchErr
		}
	}

	go m.loop(ctx, path)
	return nil
}

// Stop tears down the watcher.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	<-m.doneCh
}

// loop implements the debounced watch, grounded in the teacher's
// workspace_monitor.go pattern: reset a timer on every fs event, act once it
// fires quietly.
func (m *Manager) loop(ctx context.Context, path string) {
	defer close(m.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if m.suppressed.Load() {
				continue
			}
			if ev.Name != path && ev.Name != "" {
				// Events on the watched directory: only react to the config file itself.
				if !isConfigFileEvent(ev, path) {
					continue
				}
			}
			if timer == nil {
				timer = time.NewTimer(constants.ConfigDebounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(constants.ConfigDebounceWindow)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			timer = nil
			m.reload(ctx)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func isConfigFileEvent(ev fsnotify.Event, path string) bool {
	return ev.Name == path
}

func (m *Manager) reload(ctx context.Context) {
	next, err := config.Load(m.cyrusHome)
	if err != nil {
		m.log.Warn("config reload failed validation, keeping current config", zap.Error(err))
		return
	}

	m.mu.Lock()
	prev := m.current
	diff := config.Diff(prev, next)
	m.current = next
	m.mu.Unlock()

	if diff.Empty() {
		return
	}

	m.log.Info("config reloaded",
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
		zap.Int("modified", len(diff.Modified)),
		zap.Bool("other_changed", diff.OtherChanged),
	)

	if m.eventBus != nil {
		event := bus.NewEvent(ReloadedEventType, "configwatch", diffToEventData(diff))
		if err := m.eventBus.Publish(ctx, ReloadedSubject, event); err != nil {
			m.log.Warn("failed to publish config:reloaded event", zap.Error(err))
		}
	}
}

func diffToEventData(diff config.RepositoryDiff) map[string]interface{} {
	addedIDs := make([]string, 0, len(diff.Added))
	for _, r := range diff.Added {
		addedIDs = append(addedIDs, r.ID)
	}
	modifiedIDs := make([]string, 0, len(diff.Modified))
	for _, r := range diff.Modified {
		modifiedIDs = append(modifiedIDs, r.ID)
	}
	return map[string]interface{}{
		"added":        addedIDs,
		"removed":      diff.Removed,
		"modified":     modifiedIDs,
		"otherChanged": diff.OtherChanged,
	}
}

// ApplyProgrammaticUpdate performs a validate→persist→swap update that
// originates in-process (not from the watched file), briefly suppressing the
// watcher so the resulting fs event doesn't trigger a redundant reload
// (§4.8: "Programmatic updates go through the same validate→persist→swap
// path and briefly suppress the watcher to avoid re-entry").
func (m *Manager) ApplyProgrammaticUpdate(ctx context.Context, mutate func(*config.Config) error) error {
	m.mu.RLock()
	next := *m.current
	m.mu.RUnlock()

	if err := mutate(&next); err != nil {
		return err
	}
	if err := config.Validate(&next); err != nil {
		return err
	}

	m.suppressed.Store(true)
	defer time.AfterFunc(constants.ConfigDebounceWindow*2, func() { m.suppressed.Store(false) })

	if err := config.Save(m.cyrusHome, &next, true); err != nil {
		m.suppressed.Store(false)
		return err
	}

	m.mu.Lock()
	prev := m.current
	diff := config.Diff(prev, &next)
	m.current = &next
	m.mu.Unlock()

	if !diff.Empty() && m.eventBus != nil {
		event := bus.NewEvent(ReloadedEventType, "configwatch", diffToEventData(diff))
		_ = m.eventBus.Publish(ctx, ReloadedSubject, event)
	}
	return nil
}
