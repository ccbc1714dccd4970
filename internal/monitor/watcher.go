package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"authsession/internal/session"
	"authsession/pkg/logging"
)

// DefaultDebounceInterval is the time to wait after the last storage
// change before a loadTimer message is emitted.
const DefaultDebounceInterval = 200 * time.Millisecond

// StorageWatcher emits a loadTimer message whenever one of the session
// check keys changes in a FileStorage directory.
type StorageWatcher struct {
	dir      string
	origin   string
	out      chan<- Message
	debounce time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	timer    *time.Timer
	running  bool
	loopDone sync.WaitGroup
}

// NewStorageWatcher watches dir. Messages carry origin so the monitor
// accepts them as its own.
func NewStorageWatcher(dir, origin string, out chan<- Message) *StorageWatcher {
	return &StorageWatcher{
		dir:      dir,
		origin:   origin,
		out:      out,
		debounce: DefaultDebounceInterval,
	}
}

// Start begins watching. Calling Start on a running watcher is a no-op.
func (w *StorageWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	w.loopDone.Add(1)
	go w.processEvents(watcher.Events, watcher.Errors, w.stopCh)

	logging.Debug(subsystem, "Watching %s for session changes", w.dir)
	return nil
}

func (w *StorageWatcher) processEvents(events <-chan fsnotify.Event, errs <-chan error, stop <-chan struct{}) {
	defer w.loopDone.Done()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !relevantKey(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger()
		case err, ok := <-errs:
			if !ok {
				return
			}
			logging.Error(subsystem, err, "Storage watcher error")
		}
	}
}

func relevantKey(name string) bool {
	switch name {
	case session.KeySessionIframeEndpoint, session.KeySessionState:
		return true
	}
	return false
}

func (w *StorageWatcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	stop := w.stopCh
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.out <- Message{Origin: w.origin, Data: LoadTimer}:
		case <-stop:
		}
	})
}

// Run starts the watcher and stops it when ctx is done.
func (w *StorageWatcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Stop stops watching.
func (w *StorageWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	w.loopDone.Wait()
	watcher.Close()
}
