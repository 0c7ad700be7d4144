package storage

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/cryptox"
)

// EventType classifies registry changes observed on disk.
type EventType int

const (
	EventCollectionAdded EventType = iota
	EventCollectionRemoved
)

// Event reports a collection that appeared in or vanished from the
// storage root behind the daemon's back, typically written by an
// offline importer.
type Event struct {
	Type EventType
	ID   uuid.UUID
}

type watcher struct {
	fs     *fsnotify.Watcher
	done   chan struct{}
	wg     sync.WaitGroup
	notify func(Event)
}

// Watch starts picking up collection directories created or removed by
// external tools and refreshing the registry; notify is invoked for
// every registry change so the protocol layer can emit signals.
func (e *Engine) Watch(ctx context.Context, notify func(Event)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(e.root); err != nil {
		fsw.Close()
		return err
	}

	w := &watcher{fs: fsw, done: make(chan struct{}), notify: notify}
	e.watcher = w

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				e.handleFSEvent(ctx, ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				e.logger.Warn(ctx, "storage watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

func (e *Engine) handleFSEvent(ctx context.Context, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, trashPrefix) || strings.HasPrefix(name, ".tmp-") {
		return
	}
	id, err := uuid.Parse(name)
	if err != nil {
		return // not a collection directory
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		e.mu.RLock()
		_, known := e.collections[id]
		e.mu.RUnlock()
		if known {
			return
		}
		coll, err := loadCollection(ev.Name)
		if err != nil {
			// metadata may still be mid-write; the next event for this
			// directory retries
			return
		}
		e.mu.Lock()
		e.collections[id] = coll
		e.mu.Unlock()
		e.logger.Info(ctx, "collection appeared on disk", "id", id.String())
		if e.watcher.notify != nil {
			e.watcher.notify(Event{Type: EventCollectionAdded, ID: id})
		}

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		e.mu.Lock()
		coll, known := e.collections[id]
		if known {
			delete(e.collections, id)
		}
		e.mu.Unlock()
		if !known {
			return
		}
		coll.mu.Lock()
		if coll.masterKey != nil {
			cryptox.Wipe(coll.masterKey)
			coll.masterKey = nil
		}
		coll.mu.Unlock()
		e.logger.Info(ctx, "collection removed on disk", "id", id.String())
		if e.watcher.notify != nil {
			e.watcher.notify(Event{Type: EventCollectionRemoved, ID: id})
		}
	}
}

func (w *watcher) stop() {
	close(w.done)
	w.fs.Close()
	w.wg.Wait()
}
