package flowsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadSettingsFile reads the settings document the UI process maintains on
// disk. A missing or malformed file yields the defaults; the sync core never
// refuses to start over settings.
func LoadSettingsFile(path string) (Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), nil
	}
	return settings, nil
}

// SettingsEquivalent reports whether two settings documents carry the same
// values, ignoring UpdatedAt. Re-applying a document that only differs in
// its stamp would restamp it and let the local clock win every merge.
func SettingsEquivalent(a, b Settings) bool {
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}

// WatchSettingsFile watches the settings document for writes by the UI
// process and invokes onChange with each successfully reloaded document.
// The watch runs until the context is cancelled. Watching the directory
// rather than the file survives the atomic write-then-rename pattern
// editors and the UI use.
func WatchSettingsFile(ctx context.Context, path string, logger Logger, onChange func(Settings)) error {
	path = strings.TrimSpace(path)
	if path == "" || onChange == nil {
		return ErrInvalidInput
	}
	if logger == nil {
		logger = nopLogger{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			settings, loadErr := LoadSettingsFile(path)
			if loadErr != nil {
				logger.Printf("settings reload failed: %v", loadErr)
				continue
			}
			onChange(settings)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("settings watch error: %v", watchErr)
		}
	}
}
