package dbusapi

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/linux-tks/tks/internal/common"
)

const errPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"

// propHandler implements org.freedesktop.DBus.Properties over the
// whole object tree. Values are computed from live state on every
// call, so there is no cache to fall out of sync with the engine.
type propHandler struct {
	srv *Server
}

func (h *propHandler) Get(msg dbus.Message, iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := h.resolve(msgPath(msg), iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.NewError(errInvalidArgs,
			[]interface{}{fmt.Sprintf("no property %s.%s", iface, prop)})
	}
	return v, nil
}

func (h *propHandler) GetAll(msg dbus.Message, iface string) (map[string]dbus.Variant, *dbus.Error) {
	return h.resolve(msgPath(msg), iface)
}

func (h *propHandler) resolve(path dbus.ObjectPath, iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case serviceInterface:
		if path != BasePath {
			break
		}
		colls := h.srv.engine.Collections()
		paths := make([]dbus.ObjectPath, 0, len(colls))
		for _, info := range colls {
			paths = append(paths, collectionPath(info.ID))
		}
		return map[string]dbus.Variant{
			"Collections": dbus.MakeVariant(paths),
		}, nil

	case collectionInterface:
		id, err := parseCollectionPath(path)
		if err != nil {
			return nil, wireError(err)
		}
		info, err := h.srv.engine.CollectionInfo(id)
		if err != nil {
			return nil, wireError(err)
		}
		items, err := h.srv.engine.Items(id)
		if err != nil {
			return nil, wireError(err)
		}
		itemPaths := make([]dbus.ObjectPath, 0, len(items))
		for _, item := range items {
			itemPaths = append(itemPaths, itemPath(id, item.ID))
		}
		return map[string]dbus.Variant{
			"Items":    dbus.MakeVariant(itemPaths),
			"Label":    dbus.MakeVariant(info.Name),
			"Locked":   dbus.MakeVariant(info.Locked),
			"Created":  dbus.MakeVariant(uint64(info.Created)),
			"Modified": dbus.MakeVariant(uint64(info.Modified)),
		}, nil

	case itemInterface:
		collID, itemID, err := parseItemPath(path)
		if err != nil {
			return nil, wireError(err)
		}
		info, err := h.srv.engine.CollectionInfo(collID)
		if err != nil {
			return nil, wireError(err)
		}
		item, err := h.srv.engine.Item(collID, itemID)
		if err != nil {
			return nil, wireError(err)
		}
		return map[string]dbus.Variant{
			"Locked":     dbus.MakeVariant(info.Locked),
			"Attributes": dbus.MakeVariant(item.Attributes),
			"Label":      dbus.MakeVariant(item.Label),
			"Created":    dbus.MakeVariant(uint64(item.Created)),
			"Modified":   dbus.MakeVariant(uint64(item.Modified)),
		}, nil
	}
	return nil, dbus.NewError(errInvalidArgs,
		[]interface{}{fmt.Sprintf("no interface %s at %s", iface, path)})
}

func (h *propHandler) Set(msg dbus.Message, iface, prop string, value dbus.Variant) *dbus.Error {
	path := msgPath(msg)
	ctx := context.Background()

	switch {
	case iface == collectionInterface && prop == "Label":
		id, err := parseCollectionPath(path)
		if err != nil {
			return wireError(err)
		}
		label, ok := value.Value().(string)
		if !ok {
			return wireError(fmt.Errorf("%w: Label must be a string", common.ErrorParameter))
		}
		if err := h.srv.engine.RenameCollection(ctx, id, label); err != nil {
			return wireError(err)
		}
		h.srv.emitCollectionChanged(path)
		return nil

	case iface == itemInterface && prop == "Label":
		collID, itemID, err := parseItemPath(path)
		if err != nil {
			return wireError(err)
		}
		label, ok := value.Value().(string)
		if !ok {
			return wireError(fmt.Errorf("%w: Label must be a string", common.ErrorParameter))
		}
		if err := h.srv.engine.SetItemLabel(collID, itemID, label); err != nil {
			return wireError(err)
		}
		h.srv.emit(collectionPath(collID), collectionInterface+".ItemChanged", path)
		return nil

	case iface == itemInterface && prop == "Attributes":
		collID, itemID, err := parseItemPath(path)
		if err != nil {
			return wireError(err)
		}
		attrs, ok := value.Value().(map[string]string)
		if !ok {
			return wireError(fmt.Errorf("%w: Attributes must be a string map", common.ErrorParameter))
		}
		if err := h.srv.engine.SetItemAttributes(collID, itemID, attrs); err != nil {
			return wireError(err)
		}
		h.srv.emit(collectionPath(collID), collectionInterface+".ItemChanged", path)
		return nil
	}

	return dbus.NewError(errPropertyReadOnly,
		[]interface{}{fmt.Sprintf("%s.%s is not writable", iface, prop)})
}
