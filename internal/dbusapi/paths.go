package dbusapi

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
)

const (
	BusName  = "org.freedesktop.secrets"
	BasePath = dbus.ObjectPath("/org/freedesktop/secrets")

	serviceInterface    = "org.freedesktop.Secret.Service"
	collectionInterface = "org.freedesktop.Secret.Collection"
	itemInterface       = "org.freedesktop.Secret.Item"
	sessionInterface    = "org.freedesktop.Secret.Session"
	promptInterface     = "org.freedesktop.Secret.Prompt"
	propsInterface      = "org.freedesktop.DBus.Properties"

	collectionPrefix = string(BasePath) + "/collection/"
	sessionPrefix    = string(BasePath) + "/session/"
	promptPrefix     = string(BasePath) + "/prompt/"

	// noPrompt is the object path the protocol uses for "no prompt
	// needed".
	noPrompt = dbus.ObjectPath("/")
)

// pathElement renders a UUID as a D-Bus path element, dashes stripped.
func pathElement(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func collectionPath(id uuid.UUID) dbus.ObjectPath {
	return dbus.ObjectPath(collectionPrefix + pathElement(id))
}

func itemPath(collectionID, itemID uuid.UUID) dbus.ObjectPath {
	return dbus.ObjectPath(collectionPrefix + pathElement(collectionID) + "/" + pathElement(itemID))
}

func sessionPath(id uuid.UUID) dbus.ObjectPath {
	return dbus.ObjectPath(sessionPrefix + pathElement(id))
}

func promptPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(promptPrefix + strings.ReplaceAll(id, "-", ""))
}

// parseCollectionPath accepts a collection object path and returns its
// identity.
func parseCollectionPath(path dbus.ObjectPath) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(string(path), collectionPrefix)
	if !ok || strings.Contains(rest, "/") {
		return uuid.Nil, fmt.Errorf("%w: %s is not a collection", common.ErrorNotFound, path)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a collection", common.ErrorNotFound, path)
	}
	return id, nil
}

// parseItemPath accepts an item object path and returns the collection
// and item identities.
func parseItemPath(path dbus.ObjectPath) (collectionID, itemID uuid.UUID, err error) {
	rest, ok := strings.CutPrefix(string(path), collectionPrefix)
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s is not an item", common.ErrorNotFound, path)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s is not an item", common.ErrorNotFound, path)
	}
	collectionID, err = uuid.Parse(parts[0])
	if err == nil {
		itemID, err = uuid.Parse(parts[1])
	}
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s is not an item", common.ErrorNotFound, path)
	}
	return collectionID, itemID, nil
}

func parseSessionPath(path dbus.ObjectPath) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(string(path), sessionPrefix)
	if !ok || strings.Contains(rest, "/") {
		return uuid.Nil, fmt.Errorf("%w: %s is not a session", common.ErrorNoSession, path)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a session", common.ErrorNoSession, path)
	}
	return id, nil
}

func parsePromptPath(path dbus.ObjectPath) (string, error) {
	rest, ok := strings.CutPrefix(string(path), promptPrefix)
	if !ok || strings.Contains(rest, "/") {
		return "", fmt.Errorf("%w: %s is not a prompt", common.ErrorNotFound, path)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a prompt", common.ErrorNotFound, path)
	}
	return id.String(), nil
}
