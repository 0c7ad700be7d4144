// Package dbusapi exposes the storage engine, lock manager and session
// negotiator as the org.freedesktop.secrets service on the session
// bus. Collections, items, sessions and prompts are dynamic objects
// dispatched through subtree handlers keyed on the object path.
package dbusapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/linux-tks/tks/internal/locker"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/session"
	"github.com/linux-tks/tks/internal/storage"
)

// Secret is the wire form of a secret value: the session that encoded
// it, algorithm parameters, the ciphertext and the content type.
type Secret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// Server owns the bus connection and the exported object tree.
type Server struct {
	engine   *storage.Engine
	locks    *locker.Manager
	sessions *session.Manager
	logger   logging.Logger

	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(engine *storage.Engine, locks *locker.Manager, sessions *session.Manager, logger logging.Logger) *Server {
	return &Server{
		engine:   engine,
		locks:    locks,
		sessions: sessions,
		logger:   logger.With("module", "dbus"),
		done:     make(chan struct{}),
	}
}

// Start connects to the session bus, exports the object tree and
// claims the well-known name. It fails when another secret service
// already owns the name.
func (s *Server) Start(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connecting to session bus: %w", err)
	}
	s.conn = conn

	if err := s.export(); err != nil {
		conn.Close()
		return err
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("requesting %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("%s is already owned by another service", BusName)
	}

	if err := s.watchPeers(ctx); err != nil {
		conn.Close()
		return err
	}
	if err := s.engine.Watch(ctx, s.onStorageEvent); err != nil {
		s.logger.Warn(ctx, "storage watcher unavailable", "error", err.Error())
	}

	s.logger.Info(ctx, "secret service online", "name", BusName)
	return nil
}

func (s *Server) export() error {
	base := string(BasePath)
	steps := []struct {
		handler any
		path    dbus.ObjectPath
		iface   string
		subtree bool
	}{
		{&serviceHandler{srv: s}, BasePath, serviceInterface, false},
		{&collectionHandler{srv: s}, dbus.ObjectPath(base + "/collection"), collectionInterface, true},
		{&itemHandler{srv: s}, dbus.ObjectPath(base + "/collection"), itemInterface, true},
		{&sessionHandler{srv: s}, dbus.ObjectPath(base + "/session"), sessionInterface, true},
		{&promptHandler{srv: s}, dbus.ObjectPath(base + "/prompt"), promptInterface, true},
		{&propHandler{srv: s}, BasePath, propsInterface, true},
	}
	for _, st := range steps {
		var err error
		if st.subtree {
			err = s.conn.ExportSubtree(st.handler, st.path, st.iface)
		} else {
			err = s.conn.Export(st.handler, st.path, st.iface)
		}
		if err != nil {
			return fmt.Errorf("exporting %s at %s: %w", st.iface, st.path, err)
		}
	}
	return nil
}

// watchPeers tears down sessions and prompts of clients that drop off
// the bus.
func (s *Server) watchPeers(ctx context.Context) error {
	err := s.conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
	if err != nil {
		return fmt.Errorf("subscribing to NameOwnerChanged: %w", err)
	}

	s.signals = make(chan *dbus.Signal, 32)
	s.conn.Signal(s.signals)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case sig, ok := <-s.signals:
				if !ok {
					return
				}
				if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
					continue
				}
				name, _ := sig.Body[0].(string)
				newOwner, _ := sig.Body[2].(string)
				if newOwner != "" || !strings.HasPrefix(name, ":") {
					continue
				}
				s.logger.Debug(ctx, "client disconnected", "peer", name)
				s.sessions.CloseForPeer(name)
				s.locks.CancelForPeer(name)
			}
		}
	}()
	return nil
}

// onStorageEvent surfaces registry changes made by external tools as
// protocol signals.
func (s *Server) onStorageEvent(ev storage.Event) {
	switch ev.Type {
	case storage.EventCollectionAdded:
		s.emit(BasePath, serviceInterface+".CollectionCreated", collectionPath(ev.ID))
	case storage.EventCollectionRemoved:
		s.locks.Forget(ev.ID)
		s.emit(BasePath, serviceInterface+".CollectionDeleted", collectionPath(ev.ID))
	}
}

func (s *Server) emit(path dbus.ObjectPath, name string, values ...interface{}) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Emit(path, name, values...); err != nil {
		s.logger.Warn(context.Background(), "emitting signal failed", "signal", name, "error", err.Error())
	}
}

func (s *Server) emitCollectionChanged(path dbus.ObjectPath) {
	s.emit(BasePath, serviceInterface+".CollectionChanged", path)
}

// watchPrompt forwards a prompt's terminal outcome to the bus: the
// Completed signal plus the collection signals the outcome implies.
func (s *Server) watchPrompt(p *locker.Prompt) {
	ch := p.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var res locker.Result
		select {
		case <-s.done:
			return
		case res = <-ch:
		}

		result := dbus.MakeVariant("")
		switch p.Kind {
		case locker.PromptUnlock:
			paths := make([]dbus.ObjectPath, 0, len(res.Unlocked))
			for _, id := range res.Unlocked {
				paths = append(paths, collectionPath(id))
				s.emitCollectionChanged(collectionPath(id))
			}
			result = dbus.MakeVariant(paths)
		case locker.PromptCreateCollection:
			if res.Err == nil && !res.Dismissed {
				s.emit(BasePath, serviceInterface+".CollectionCreated", collectionPath(res.Collection))
				result = dbus.MakeVariant(collectionPath(res.Collection))
			} else {
				result = dbus.MakeVariant(noPrompt)
			}
		case locker.PromptDeleteCollection:
			if res.Err == nil && !res.Dismissed {
				s.emit(BasePath, serviceInterface+".CollectionDeleted", collectionPath(res.Collection))
			}
		}

		dismissed := res.Dismissed || res.Err != nil
		s.emit(promptPath(p.ID), promptInterface+".Completed", dismissed, result)
	}()
}

// Close releases the bus name and stops the background goroutines.
// Session and key material wiping is owned by the components
// themselves.
func (s *Server) Close() error {
	close(s.done)
	if s.conn != nil {
		s.conn.ReleaseName(BusName)
		if s.signals != nil {
			s.conn.RemoveSignal(s.signals)
		}
		s.conn.Close()
	}
	s.wg.Wait()
	return nil
}
