package dbusapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/session"
)

const (
	propCollectionLabel = "org.freedesktop.Secret.Collection.Label"
	propItemLabel       = "org.freedesktop.Secret.Item.Label"
	propItemAttributes  = "org.freedesktop.Secret.Item.Attributes"
)

// serviceHandler implements org.freedesktop.Secret.Service on the base
// path.
type serviceHandler struct {
	srv *Server
}

func (h *serviceHandler) OpenSession(sender dbus.Sender, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, *dbus.Error) {
	var clientInput []byte
	if b, ok := input.Value().([]byte); ok {
		clientInput = b
	}

	sess, output, err := h.srv.sessions.Negotiate(algorithm, clientInput, string(sender))
	if err != nil {
		return dbus.Variant{}, noPrompt, wireError(err)
	}

	outVariant := dbus.MakeVariant("")
	if sess.Algorithm() != session.AlgoPlain {
		outVariant = dbus.MakeVariant(output)
	}
	h.srv.logger.Debug(context.Background(), "session opened",
		"algorithm", algorithm, "peer", string(sender))
	return outVariant, sessionPath(sess.ID), nil
}

func (h *serviceHandler) CreateCollection(sender dbus.Sender, properties map[string]dbus.Variant, alias string) (dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	// an alias that already resolves returns the existing collection
	if alias != "" {
		if info, err := h.srv.engine.ReadAlias(alias); err == nil {
			return collectionPath(info.ID), noPrompt, nil
		}
	}

	label, _ := properties[propCollectionLabel].Value().(string)
	if label == "" {
		return noPrompt, noPrompt, wireError(fmt.Errorf("%w: missing %s", common.ErrorParameter, propCollectionLabel))
	}

	info, prompt, err := h.srv.locks.RequestCreate(context.Background(), string(sender), label, alias)
	if err != nil {
		return noPrompt, noPrompt, wireError(err)
	}
	if prompt != nil {
		h.srv.watchPrompt(prompt)
		return noPrompt, promptPath(prompt.ID), nil
	}

	path := collectionPath(info.ID)
	h.srv.emit(BasePath, serviceInterface+".CollectionCreated", path)
	return path, noPrompt, nil
}

func (h *serviceHandler) SearchItems(attributes map[string]string) ([]dbus.ObjectPath, []dbus.ObjectPath, *dbus.Error) {
	unlocked := []dbus.ObjectPath{}
	locked := []dbus.ObjectPath{}
	for _, match := range h.srv.engine.Search(attributes) {
		path := itemPath(match.Collection.ID, match.Item.ID)
		if match.Collection.Locked {
			locked = append(locked, path)
		} else {
			unlocked = append(unlocked, path)
		}
	}
	return unlocked, locked, nil
}

// collectionsOf resolves a mixed list of collection and item paths to
// the set of known collections behind them, preserving order. Paths
// that name nothing are skipped.
func (h *serviceHandler) collectionsOf(objects []dbus.ObjectPath) []uuid.UUID {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	add := func(id uuid.UUID) {
		if seen[id] {
			return
		}
		seen[id] = true
		if _, err := h.srv.engine.CollectionInfo(id); err == nil {
			ids = append(ids, id)
		}
	}
	for _, obj := range objects {
		if id, err := parseCollectionPath(obj); err == nil {
			add(id)
			continue
		}
		if collID, _, err := parseItemPath(obj); err == nil {
			add(collID)
		}
	}
	return ids
}

func (h *serviceHandler) Unlock(sender dbus.Sender, objects []dbus.ObjectPath) ([]dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	ids := h.collectionsOf(objects)
	unlockedIDs, prompt, err := h.srv.locks.RequestUnlock(context.Background(), string(sender), ids)
	if err != nil && len(unlockedIDs) == 0 && prompt == nil {
		return nil, noPrompt, wireError(err)
	}

	isUnlocked := make(map[uuid.UUID]bool, len(unlockedIDs))
	for _, id := range unlockedIDs {
		isUnlocked[id] = true
		h.srv.emitCollectionChanged(collectionPath(id))
	}

	unlocked := []dbus.ObjectPath{}
	for _, obj := range objects {
		if id, err := parseCollectionPath(obj); err == nil && isUnlocked[id] {
			unlocked = append(unlocked, obj)
			continue
		}
		if collID, _, err := parseItemPath(obj); err == nil && isUnlocked[collID] {
			unlocked = append(unlocked, obj)
		}
	}

	promptP := noPrompt
	if prompt != nil {
		h.srv.watchPrompt(prompt)
		promptP = promptPath(prompt.ID)
	}
	return unlocked, promptP, nil
}

func (h *serviceHandler) Lock(sender dbus.Sender, objects []dbus.ObjectPath) ([]dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	locked := []dbus.ObjectPath{}
	for _, id := range h.collectionsOf(objects) {
		if err := h.srv.locks.Lock(id); err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				continue
			}
			return locked, noPrompt, wireError(err)
		}
		locked = append(locked, collectionPath(id))
		h.srv.emitCollectionChanged(collectionPath(id))
	}
	return locked, noPrompt, nil
}

func (h *serviceHandler) GetSecrets(sender dbus.Sender, items []dbus.ObjectPath, sessionP dbus.ObjectPath) (map[dbus.ObjectPath]Secret, *dbus.Error) {
	sess, derr := h.srv.sessionFor(sessionP, string(sender))
	if derr != nil {
		return nil, derr
	}

	ctx := context.Background()
	secrets := make(map[dbus.ObjectPath]Secret)
	for _, path := range items {
		collID, itemID, err := parseItemPath(path)
		if err != nil {
			continue
		}
		value, contentType, err := h.srv.engine.GetItemSecret(ctx, collID, itemID)
		if err != nil {
			// locked and vanished items are silently left out
			if errors.Is(err, common.ErrorLocked) || errors.Is(err, common.ErrorNotFound) {
				continue
			}
			return nil, wireError(err)
		}
		params, ciphertext, err := sess.Wrap(value)
		cryptox.Wipe(value)
		if err != nil {
			return nil, wireError(err)
		}
		secrets[path] = Secret{
			Session:     sessionP,
			Parameters:  params,
			Value:       ciphertext,
			ContentType: contentType,
		}
		h.srv.locks.Touch(collID)
	}
	return secrets, nil
}

func (h *serviceHandler) ReadAlias(name string) (dbus.ObjectPath, *dbus.Error) {
	info, err := h.srv.engine.ReadAlias(name)
	if err != nil {
		// unknown aliases read as "/", not as an error
		return noPrompt, nil
	}
	return collectionPath(info.ID), nil
}

func (h *serviceHandler) SetAlias(sender dbus.Sender, name string, collection dbus.ObjectPath) *dbus.Error {
	ctx := context.Background()
	if collection == noPrompt {
		return wireError(h.srv.engine.RemoveAlias(ctx, name))
	}
	id, err := parseCollectionPath(collection)
	if err != nil {
		return wireError(err)
	}
	return wireError(h.srv.engine.SetAlias(ctx, name, id))
}

// sessionFor resolves a session path and checks it belongs to the
// calling peer.
func (s *Server) sessionFor(path dbus.ObjectPath, peer string) (*session.Session, *dbus.Error) {
	id, err := parseSessionPath(path)
	if err != nil {
		return nil, wireError(err)
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, wireError(err)
	}
	if sess.Peer != peer {
		return nil, wireError(fmt.Errorf("%w: session %s belongs to another client", common.ErrorNoSession, path))
	}
	return sess, nil
}
