package server

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opendsc/opendsc/pkg/logging"
)

// reloadDebounceInterval is how long to wait after the last file change
// before reloading, so a rotation that rewrites both files triggers one
// reload.
const reloadDebounceInterval = 500 * time.Millisecond

// certReloader serves the TLS certificate for the listener and swaps it in
// place when the files on disk change, so certificate rotation never needs a
// restart.
type certReloader struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

func newCertReloader(certFile, keyFile string) (*certReloader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &certReloader{
		certFile: certFile,
		keyFile:  keyFile,
		cert:     &cert,
	}, nil
}

// getCertificate is the tls.Config.GetCertificate hook.
func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// watch follows the certificate files until ctx is cancelled. Watching the
// parent directories instead of the files themselves survives the
// rename-into-place writes most rotation tooling does.
func (r *certReloader) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("Server", "Certificate hot-reload disabled, fsnotify unavailable: %v", err)
		return
	}

	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logging.Warn("Server", "Certificate hot-reload disabled, cannot watch %s: %v", dir, err)
			_ = watcher.Close()
			return
		}
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error("Server", err, "Certificate watcher error")
			}
		}
	}()
	logging.Info("Server", "Watching %s for certificate rotation", r.certFile)
}

func (r *certReloader) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	if name != filepath.Clean(r.certFile) && name != filepath.Clean(r.keyFile) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	logging.Debug("Server", "Certificate file changed: %s", event.Name)
	r.reloadDebounced()
}

func (r *certReloader) reloadDebounced() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(reloadDebounceInterval, r.reload)
}

// reload swaps in the new key pair. A failed load keeps the current
// certificate so a half-written rotation cannot take the listener down.
func (r *certReloader) reload() {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		logging.Error("Server", err, "Failed to reload TLS certificate, keeping the previous one")
		return
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	logging.Info("Server", "Reloaded TLS certificate from %s", r.certFile)
}
