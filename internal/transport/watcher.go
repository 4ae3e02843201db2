package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/logger"
)

// Lister enumerates the serial ports the OS currently exposes.
type Lister func() ([]string, error)

// PortWatcher polls the port list and reports watched ports that disappear.
type PortWatcher struct {
	list     Lister
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	watched map[string]func()
}

// NewPortWatcher creates a watcher. A nil lister uses ListPorts.
func NewPortWatcher(list Lister, interval time.Duration, log *logger.Logger) *PortWatcher {
	if list == nil {
		list = ListPorts
	}
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &PortWatcher{list: list, interval: interval, log: log, watched: make(map[string]func())}
}

// Watch calls onLost once when name vanishes from the port list.
func (w *PortWatcher) Watch(name string, onLost func()) {
	w.mu.Lock()
	w.watched[name] = onLost
	w.mu.Unlock()
}

// Unwatch stops watching name.
func (w *PortWatcher) Unwatch(name string) {
	w.mu.Lock()
	delete(w.watched, name)
	w.mu.Unlock()
}

// Check polls the list once. An enumeration error reports nothing.
func (w *PortWatcher) Check() {
	ports, err := w.list()
	if err != nil {
		w.log.Debugw("port enumeration failed", "err", err)
		return
	}
	present := make(map[string]bool, len(ports))
	for _, p := range ports {
		present[p] = true
	}

	var lost []func()
	w.mu.Lock()
	for name, fn := range w.watched {
		if !present[name] {
			w.log.Warnw("port vanished", "port", name)
			delete(w.watched, name)
			lost = append(lost, fn)
		}
	}
	w.mu.Unlock()

	for _, fn := range lost {
		fn()
	}
}

// Run polls until ctx is cancelled.
func (w *PortWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
