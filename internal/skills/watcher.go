package skills

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/mbeukes/cicada/internal/logging"
)

// Watcher reloads the registry when SKILL.md files change on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	onChange func()
	stopCh   chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
}

const debounce = 500 * time.Millisecond

// NewWatcher watches the registry's directory and its skill folders.
func NewWatcher(dir string, onChange func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		dir:      dir,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}

	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if entries, err := filepath.Glob(filepath.Join(dir, "*/")); err == nil {
		for _, entry := range entries {
			if err := fsWatcher.Add(entry); err != nil {
				L_debug("skills: failed to watch subdirectory", "path", entry, "error", err)
			}
		}
	}

	return w, nil
}

// Start begins watching. Spawns a goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("skills: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, "SKILL.md") {
		// A freshly created skill folder needs watching for its SKILL.md.
		if event.Op&fsnotify.Create != 0 && strings.HasPrefix(event.Name, w.dir) {
			if err := w.watcher.Add(event.Name); err == nil {
				L_debug("skills: watching new directory", "path", event.Name)
			}
		}
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}

	L_debug("skills: file changed", "path", event.Name, "op", event.Op.String())
	w.triggerReload()
}

func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(debounce, func() {
		L_info("skills: changed on disk, reloading")
		if w.onChange != nil {
			w.onChange()
		}
	})
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.mu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
