package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/callmanager/internal/contacts"
)

const defaultReloadDebounce = 250 * time.Millisecond

// PolicySetter receives reloaded status policies.
type PolicySetter interface {
	SetPolicy(contacts.Policy)
}

type WatchOptions struct {
	Debounce time.Duration
	Logger   *zap.Logger
	// OnReload is called after every reload attempt.
	OnReload func(error)
}

// Watch reloads the policy section of the config file at path whenever it
// changes and hands it to target. The parent directory is watched so editors
// that replace the file by rename are picked up. Watch blocks until ctx is
// done. Invalid files are logged and the running policy is kept.
func Watch(ctx context.Context, path string, target PolicySetter, opts WatchOptions) error {
	if target == nil {
		return fmt.Errorf("config watch: nil policy target")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching config for policy changes", zap.String("path", abs))

	reload := func() {
		policy, err := LoadPolicy(abs)
		switch {
		case err != nil:
			logger.Warn("config reload rejected", zap.String("path", abs), zap.Error(err))
		case policy == nil:
			logger.Debug("config reload without policy section", zap.String("path", abs))
		default:
			target.SetPolicy(*policy)
		}
		if opts.OnReload != nil {
			opts.OnReload(err)
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-timer.C:
			reload()
		}
	}
}
