package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsgraph/opsgraph/internal/logging"
)

// AccountsReload is called with each successfully loaded accounts
// document. Errors are logged and the watcher keeps the previous state.
type AccountsReload func(f *AccountsFile) error

// WatcherConfig tunes the accounts watcher.
type WatcherConfig struct {
	Path string
	// Debounce coalesces the event bursts editors and atomic writes
	// produce. Defaults to 500ms.
	Debounce time.Duration
}

// AccountsWatcher hot-reloads the accounts file. Implements the
// lifecycle component contract: Start loads the initial document, fails
// fast when it is invalid, and then watches in the background.
type AccountsWatcher struct {
	cfg      WatcherConfig
	callback AccountsReload
	logger   *logging.Logger

	cancel  context.CancelFunc
	stopped chan struct{}
	ready   chan struct{}

	mu            sync.Mutex
	debounceTimer *time.Timer
}

// NewAccountsWatcher creates a watcher over the accounts file.
func NewAccountsWatcher(cfg WatcherConfig, callback AccountsReload) (*AccountsWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("accounts watcher requires a file path")
	}
	if callback == nil {
		return nil, fmt.Errorf("accounts watcher requires a callback")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &AccountsWatcher{
		cfg:      cfg,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

func (w *AccountsWatcher) Name() string { return "accounts-watcher" }

// Start applies the initial document and begins watching. Returns once
// the file watch is established.
func (w *AccountsWatcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	initial, err := LoadAccountsFile(w.cfg.Path)
	if err != nil {
		return err
	}
	if err := w.callback(initial); err != nil {
		return fmt.Errorf("failed to apply initial accounts file: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watchLoop(watchCtx)

	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout establishing watch on %s", w.cfg.Path)
	}
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (w *AccountsWatcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for accounts watcher to stop")
	}
}

func (w *AccountsWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *AccountsWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.cfg.Path); err != nil {
		w.logger.Error("failed to watch %s: %v", w.cfg.Path, err)
		return
	}
	w.logger.Debug("watching %s (debounce %s)", w.cfg.Path, w.cfg.Debounce)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
			if event.Op&relevant == 0 {
				continue
			}
			// Atomic writes unlink the watched inode, so the watch has to
			// be re-established after rename and remove.
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.cfg.Path); err != nil {
					w.logger.Warn("failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error: %v", err)
		}
	}
}

func (w *AccountsWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.cfg.Debounce, w.reload)
}

// reload re-reads the file. Invalid documents keep the previous state.
func (w *AccountsWatcher) reload() {
	f, err := LoadAccountsFile(w.cfg.Path)
	if err != nil {
		w.logger.Warn("accounts reload failed, keeping previous state: %v", err)
		return
	}
	if err := w.callback(f); err != nil {
		w.logger.Warn("accounts reload rejected, keeping previous state: %v", err)
		return
	}
	w.logger.Info("accounts file reloaded: %d tenants, %d accounts", len(f.Tenants), len(f.Accounts))
}
