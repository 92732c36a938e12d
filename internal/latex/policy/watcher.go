package policy

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current policy to concurrent readers.
type Holder struct {
	cur atomic.Pointer[Policy]
}

// NewHolder returns a holder seeded with p.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Current returns the policy in effect.
func (h *Holder) Current() *Policy {
	return h.cur.Load()
}

// Store replaces the policy in effect.
func (h *Holder) Store(p *Policy) {
	h.cur.Store(p)
}

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads a policy file into a Holder whenever it changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	holder  *Holder
	path    string
}

// NewWatcher watches the directory holding path, so editors that replace the
// file via rename are still picked up.
func NewWatcher(path string, holder *Holder) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Watcher{watcher: watcher, holder: holder, path: filepath.Clean(path)}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("policy watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		log.Printf("policy reload failed, keeping previous policy: %v", err)
		return
	}
	w.holder.Store(p)
	log.Printf("policy reloaded from %s (%d packages allowed)", w.path, len(p.order))
}
