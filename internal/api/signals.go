package api

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names recognised in the signals directory.
const (
	SignalSweep = "sweep"
	SignalStop  = "stop"
)

// SignalWatcher lets operators poke a running server by dropping files into
// <dataDir>/signals. A "sweep" file requests an immediate recovery sweep and
// is consumed; a "stop" file asks the server to shut down.
type SignalWatcher struct {
	signalsDir string

	mu         sync.RWMutex
	stopSignal bool
	stopOnce   sync.Once

	sweep chan struct{}
	stop  chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSignalWatcher creates the signals directory under dataDir and starts
// watching it. Without fsnotify support it still works through polling
// (ShouldStop and Poll).
func NewSignalWatcher(dataDir string) (*SignalWatcher, error) {
	signalsDir := filepath.Join(dataDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	sw := &SignalWatcher{
		signalsDir: signalsDir,
		sweep:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	// A stop left over from a previous run must not kill this one.
	os.Remove(sw.path(SignalStop))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - will use polling fallback
		return sw, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		return sw, nil
	}
	sw.watcher = watcher

	go sw.watchSignals()

	return sw, nil
}

func (sw *SignalWatcher) path(name string) string {
	return filepath.Join(sw.signalsDir, name)
}

// watchSignals monitors the signals directory for sweep/stop files.
func (sw *SignalWatcher) watchSignals() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sw.handle(filepath.Base(event.Name))
		case <-sw.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

func (sw *SignalWatcher) handle(name string) {
	switch name {
	case SignalSweep:
		os.Remove(sw.path(SignalSweep))
		select {
		case sw.sweep <- struct{}{}:
		default:
		}
	case SignalStop:
		sw.mu.Lock()
		sw.stopSignal = true
		sw.mu.Unlock()
		sw.stopOnce.Do(func() { close(sw.stop) })
	}
}

// Poll checks for signal files directly, in case the watcher missed one or
// is unavailable.
func (sw *SignalWatcher) Poll() {
	for _, name := range []string{SignalSweep, SignalStop} {
		if _, err := os.Stat(sw.path(name)); err == nil {
			sw.handle(name)
		}
	}
}

// Sweeps delivers one value per requested sweep. Requests that arrive while
// one is pending coalesce.
func (sw *SignalWatcher) Sweeps() <-chan struct{} {
	return sw.sweep
}

// Stopped is closed once a stop signal has been seen.
func (sw *SignalWatcher) Stopped() <-chan struct{} {
	return sw.stop
}

// ShouldStop returns true if a stop signal has been received.
func (sw *SignalWatcher) ShouldStop() bool {
	if _, err := os.Stat(sw.path(SignalStop)); err == nil {
		sw.handle(SignalStop)
	}

	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stopSignal
}

// SendSweep creates a sweep signal file.
func SendSweep(dataDir string) error {
	return sendSignal(dataDir, SignalSweep)
}

// SendStop creates a stop signal file.
func SendStop(dataDir string) error {
	return sendSignal(dataDir, SignalStop)
}

func sendSignal(dataDir, name string) error {
	dir := filepath.Join(dataDir, "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files.
func (sw *SignalWatcher) ClearSignals() {
	os.Remove(sw.path(SignalSweep))
	os.Remove(sw.path(SignalStop))
}

// Dir returns the signals directory.
func (sw *SignalWatcher) Dir() string {
	return sw.signalsDir
}

// Close shuts down the watcher.
func (sw *SignalWatcher) Close() {
	close(sw.done)
	if sw.watcher != nil {
		sw.watcher.Close()
	}
}
