package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"

	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

// ThemeSink receives themes read from the watched file.
type ThemeSink interface {
	UpdateTheme(t webview.Theme) error
}

// ThemeWatcher reloads a JSON (or JSONC) theme file whenever it changes and
// hands the result to a sink. It stands in for the IDE's look-and-feel
// listener.
type ThemeWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	sink    ThemeSink

	mu   sync.Mutex
	last *webview.Theme

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewThemeWatcher loads path once and starts watching it. The file may not
// exist yet; it is picked up when created.
func NewThemeWatcher(path string, sink ThemeSink) (*ThemeWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files by rename, which drops a watch on the file
	// itself; watch the directory instead.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	tw := &ThemeWatcher{
		watcher: w,
		path:    abs,
		sink:    sink,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if _, err := os.Stat(abs); err == nil {
		tw.reload()
	}
	go tw.run()
	return tw, nil
}

func (w *ThemeWatcher) run() {
	defer close(w.doneCh)
	log := logging.Component("theme")

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("theme watcher error")
		}
	}
}

// reload reads the file and forwards the theme if it differs from the last
// one forwarded. A half-written file fails to parse and is skipped; the
// final write triggers another reload.
func (w *ThemeWatcher) reload() {
	log := logging.Component("theme")
	t, err := LoadTheme(w.path)
	if err != nil {
		log.Debug().Err(err).Str("file", w.path).Msg("theme not loaded")
		return
	}

	w.mu.Lock()
	same := w.last != nil && reflect.DeepEqual(*w.last, t)
	if !same {
		w.last = &t
	}
	w.mu.Unlock()
	if same {
		return
	}

	log.Info().Str("name", t.Name).Bool("dark", t.IsDark).Msg("theme changed")
	if err := w.sink.UpdateTheme(t); err != nil {
		log.Warn().Err(err).Msg("theme update failed")
	}
}

// Close stops watching.
func (w *ThemeWatcher) Close() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
	return w.watcher.Close()
}

// LoadTheme parses a theme file. Comments and trailing commas are allowed.
func LoadTheme(path string) (webview.Theme, error) {
	var t webview.Theme
	data, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &t); err != nil {
		return t, fmt.Errorf("parse theme %s: %w", path, err)
	}
	return t, nil
}
