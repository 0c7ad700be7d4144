package dbusapi

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
)

func msgPath(msg dbus.Message) dbus.ObjectPath {
	path, _ := msg.Headers[dbus.FieldPath].Value().(dbus.ObjectPath)
	return path
}

// collectionHandler implements org.freedesktop.Secret.Collection for
// every path under /org/freedesktop/secrets/collection.
type collectionHandler struct {
	srv *Server
}

func (h *collectionHandler) Delete(sender dbus.Sender, msg dbus.Message) (dbus.ObjectPath, *dbus.Error) {
	id, err := parseCollectionPath(msgPath(msg))
	if err != nil {
		return noPrompt, wireError(err)
	}

	prompt, err := h.srv.locks.RequestDelete(context.Background(), string(sender), id)
	if err != nil {
		return noPrompt, wireError(err)
	}
	if prompt != nil {
		h.srv.watchPrompt(prompt)
		return promptPath(prompt.ID), nil
	}
	h.srv.emit(BasePath, serviceInterface+".CollectionDeleted", collectionPath(id))
	return noPrompt, nil
}

func (h *collectionHandler) SearchItems(msg dbus.Message, attributes map[string]string) ([]dbus.ObjectPath, *dbus.Error) {
	id, err := parseCollectionPath(msgPath(msg))
	if err != nil {
		return nil, wireError(err)
	}

	results := []dbus.ObjectPath{}
	for _, match := range h.srv.engine.Search(attributes) {
		if match.Collection.ID == id {
			results = append(results, itemPath(id, match.Item.ID))
		}
	}
	return results, nil
}

func (h *collectionHandler) CreateItem(sender dbus.Sender, msg dbus.Message, properties map[string]dbus.Variant, secret Secret, replace bool) (dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	collID, err := parseCollectionPath(msgPath(msg))
	if err != nil {
		return noPrompt, noPrompt, wireError(err)
	}

	sess, derr := h.srv.sessionFor(secret.Session, string(sender))
	if derr != nil {
		return noPrompt, noPrompt, derr
	}
	value, err := sess.Unwrap(secret.Parameters, secret.Value)
	if err != nil {
		return noPrompt, noPrompt, wireError(err)
	}
	defer cryptox.Wipe(value)

	label, _ := properties[propItemLabel].Value().(string)
	attributes, _ := properties[propItemAttributes].Value().(map[string]string)

	item, replaced, err := h.srv.engine.PutItem(context.Background(), collID, label, attributes,
		value, secret.ContentType, replace)
	if err != nil {
		return noPrompt, noPrompt, wireError(err)
	}
	h.srv.locks.Touch(collID)

	path := itemPath(collID, item.ID)
	signal := collectionInterface + ".ItemCreated"
	if replaced {
		signal = collectionInterface + ".ItemChanged"
	}
	h.srv.emit(collectionPath(collID), signal, path)
	return path, noPrompt, nil
}

// itemHandler implements org.freedesktop.Secret.Item on the same
// subtree, one level deeper.
type itemHandler struct {
	srv *Server
}

func (h *itemHandler) Delete(sender dbus.Sender, msg dbus.Message) (dbus.ObjectPath, *dbus.Error) {
	collID, itemID, err := parseItemPath(msgPath(msg))
	if err != nil {
		return noPrompt, wireError(err)
	}
	if err := h.srv.engine.DeleteItem(context.Background(), collID, itemID); err != nil {
		return noPrompt, wireError(err)
	}
	h.srv.emit(collectionPath(collID), collectionInterface+".ItemDeleted", itemPath(collID, itemID))
	return noPrompt, nil
}

func (h *itemHandler) GetSecret(sender dbus.Sender, msg dbus.Message, sessionP dbus.ObjectPath) (Secret, *dbus.Error) {
	collID, itemID, err := parseItemPath(msgPath(msg))
	if err != nil {
		return Secret{}, wireError(err)
	}
	sess, derr := h.srv.sessionFor(sessionP, string(sender))
	if derr != nil {
		return Secret{}, derr
	}

	value, contentType, err := h.srv.engine.GetItemSecret(context.Background(), collID, itemID)
	if err != nil {
		return Secret{}, wireError(err)
	}
	params, ciphertext, err := sess.Wrap(value)
	cryptox.Wipe(value)
	if err != nil {
		return Secret{}, wireError(err)
	}
	h.srv.locks.Touch(collID)

	return Secret{
		Session:     sessionP,
		Parameters:  params,
		Value:       ciphertext,
		ContentType: contentType,
	}, nil
}

func (h *itemHandler) SetSecret(sender dbus.Sender, msg dbus.Message, secret Secret) *dbus.Error {
	collID, itemID, err := parseItemPath(msgPath(msg))
	if err != nil {
		return wireError(err)
	}
	sess, derr := h.srv.sessionFor(secret.Session, string(sender))
	if derr != nil {
		return derr
	}
	value, err := sess.Unwrap(secret.Parameters, secret.Value)
	if err != nil {
		return wireError(err)
	}
	defer cryptox.Wipe(value)

	if err := h.srv.engine.SetItemSecret(context.Background(), collID, itemID, value, secret.ContentType); err != nil {
		return wireError(err)
	}
	h.srv.locks.Touch(collID)
	h.srv.emit(collectionPath(collID), collectionInterface+".ItemChanged", itemPath(collID, itemID))
	return nil
}

// sessionHandler implements org.freedesktop.Secret.Session.
type sessionHandler struct {
	srv *Server
}

func (h *sessionHandler) Close(sender dbus.Sender, msg dbus.Message) *dbus.Error {
	id, err := parseSessionPath(msgPath(msg))
	if err != nil {
		return wireError(err)
	}
	sess, err := h.srv.sessions.Get(id)
	if err != nil {
		return wireError(err)
	}
	if sess.Peer != string(sender) {
		return wireError(fmt.Errorf("%w: session belongs to another client", common.ErrorNoSession))
	}
	h.srv.sessions.Close(id)
	return nil
}

// promptHandler implements org.freedesktop.Secret.Prompt.
type promptHandler struct {
	srv *Server
}

func (h *promptHandler) Prompt(msg dbus.Message, windowID string) *dbus.Error {
	id, err := parsePromptPath(msgPath(msg))
	if err != nil {
		return wireError(err)
	}
	p, err := h.srv.locks.PromptByID(id)
	if err != nil {
		return wireError(err)
	}
	_ = windowID // dialogs are parented by the pinentry program itself
	h.srv.locks.Perform(p)
	return nil
}

func (h *promptHandler) Dismiss(msg dbus.Message) *dbus.Error {
	id, err := parsePromptPath(msgPath(msg))
	if err != nil {
		return wireError(err)
	}
	h.srv.locks.Dismiss(id)
	return nil
}
