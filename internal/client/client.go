// Package client is a Secret Service consumer used by the command
// line tool. It speaks the same protocol as any other client on the
// bus, preferring an authenticated transport session and falling back
// to the standard CBC one when talking to other implementations.
package client

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/dbusapi"
	"github.com/linux-tks/tks/internal/session"
)

const promptWait = 5 * time.Minute

// Entry is one listed item.
type Entry struct {
	Path       dbus.ObjectPath
	Label      string
	Attributes map[string]string
	Locked     bool
}

// Client wraps one bus connection and one negotiated session.
type Client struct {
	conn        *dbus.Conn
	svc         dbus.BusObject
	sessionPath dbus.ObjectPath
	algorithm   string
	key         []byte
}

// Connect dials the session bus and negotiates a transport session
// with the secret service.
func Connect() (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	c := &Client{
		conn: conn,
		svc:  conn.Object(dbusapi.BusName, dbusapi.BasePath),
	}
	if err := c.openSession(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) openSession() error {
	for _, algorithm := range []string{session.AlgoDHGCM, session.AlgoDHCBC} {
		pair, err := cryptox.GenerateDHKeyPair()
		if err != nil {
			return err
		}
		var output dbus.Variant
		var path dbus.ObjectPath
		call := c.svc.Call("org.freedesktop.Secret.Service.OpenSession", 0,
			algorithm, dbus.MakeVariant(pair.PublicBytes()))
		if call.Err != nil {
			continue // algorithm not supported by this service
		}
		if err := call.Store(&output, &path); err != nil {
			return err
		}
		serverPub, ok := output.Value().([]byte)
		if !ok {
			return fmt.Errorf("unexpected session output type")
		}
		keyLen := 32
		if algorithm == session.AlgoDHCBC {
			keyLen = 16
		}
		key, err := pair.SessionKey(serverPub, keyLen)
		if err != nil {
			return err
		}
		c.sessionPath = path
		c.algorithm = algorithm
		c.key = key
		return nil
	}
	return fmt.Errorf("no common session algorithm with the secret service")
}

func (c *Client) wrap(value []byte, contentType string) (dbusapi.Secret, error) {
	secret := dbusapi.Secret{Session: c.sessionPath, ContentType: contentType}
	switch c.algorithm {
	case session.AlgoDHGCM:
		nonce, ciphertext, err := cryptox.SealGCM(c.key, value, nil)
		if err != nil {
			return secret, err
		}
		secret.Parameters, secret.Value = nonce, ciphertext
	case session.AlgoDHCBC:
		iv, ciphertext, err := cryptox.EncryptCBC(c.key, value)
		if err != nil {
			return secret, err
		}
		secret.Parameters, secret.Value = iv, ciphertext
	default:
		return secret, fmt.Errorf("no negotiated session")
	}
	return secret, nil
}

func (c *Client) unwrap(secret dbusapi.Secret) ([]byte, error) {
	switch c.algorithm {
	case session.AlgoDHGCM:
		return cryptox.OpenGCM(c.key, secret.Parameters, secret.Value, nil)
	case session.AlgoDHCBC:
		return cryptox.DecryptCBC(c.key, secret.Parameters, secret.Value)
	}
	return nil, fmt.Errorf("no negotiated session")
}

// completePrompt triggers a prompt object and waits for its Completed
// signal. Returns the result variant and whether the prompt was
// dismissed.
func (c *Client) completePrompt(path dbus.ObjectPath) (dbus.Variant, bool, error) {
	if path == "/" {
		return dbus.Variant{}, false, nil
	}

	if err := c.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface("org.freedesktop.Secret.Prompt"),
		dbus.WithMatchMember("Completed"),
	); err != nil {
		return dbus.Variant{}, false, err
	}
	signals := make(chan *dbus.Signal, 4)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	prompt := c.conn.Object(dbusapi.BusName, path)
	if call := prompt.Call("org.freedesktop.Secret.Prompt.Prompt", 0, ""); call.Err != nil {
		return dbus.Variant{}, false, call.Err
	}

	timeout := time.After(promptWait)
	for {
		select {
		case sig := <-signals:
			if sig.Path != path || len(sig.Body) != 2 {
				continue
			}
			dismissed, _ := sig.Body[0].(bool)
			result, _ := sig.Body[1].(dbus.Variant)
			return result, dismissed, nil
		case <-timeout:
			return dbus.Variant{}, true, fmt.Errorf("prompt timed out")
		}
	}
}

// DefaultCollection resolves the default collection, creating it when
// the service has none yet.
func (c *Client) DefaultCollection() (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if err := c.svc.Call("org.freedesktop.Secret.Service.ReadAlias", 0, "default").Store(&path); err != nil {
		return "", err
	}
	if path != "/" {
		return path, nil
	}

	props := map[string]dbus.Variant{
		"org.freedesktop.Secret.Collection.Label": dbus.MakeVariant("default"),
	}
	var collection, prompt dbus.ObjectPath
	err := c.svc.Call("org.freedesktop.Secret.Service.CreateCollection", 0, props, "default").
		Store(&collection, &prompt)
	if err != nil {
		return "", err
	}
	if collection != "/" {
		return collection, nil
	}

	result, dismissed, err := c.completePrompt(prompt)
	if err != nil {
		return "", err
	}
	if dismissed {
		return "", fmt.Errorf("collection creation was dismissed")
	}
	created, ok := result.Value().(dbus.ObjectPath)
	if !ok || created == "/" {
		return "", fmt.Errorf("collection creation failed")
	}
	return created, nil
}

// Unlock brings the given objects into the unlocked state, driving a
// prompt when the service needs one.
func (c *Client) Unlock(objects []dbus.ObjectPath) error {
	var unlocked []dbus.ObjectPath
	var prompt dbus.ObjectPath
	err := c.svc.Call("org.freedesktop.Secret.Service.Unlock", 0, objects).
		Store(&unlocked, &prompt)
	if err != nil {
		return err
	}
	if prompt == "/" {
		return nil
	}
	_, dismissed, err := c.completePrompt(prompt)
	if err != nil {
		return err
	}
	if dismissed {
		return fmt.Errorf("unlock was dismissed")
	}
	return nil
}

// Lock locks the given objects.
func (c *Client) Lock(objects []dbus.ObjectPath) error {
	var locked []dbus.ObjectPath
	var prompt dbus.ObjectPath
	return c.svc.Call("org.freedesktop.Secret.Service.Lock", 0, objects).
		Store(&locked, &prompt)
}

// Store writes one secret into the default collection, replacing any
// item with the same attributes.
func (c *Client) Store(label string, attributes map[string]string, value []byte, contentType string) error {
	collection, err := c.DefaultCollection()
	if err != nil {
		return err
	}
	if err := c.Unlock([]dbus.ObjectPath{collection}); err != nil {
		return err
	}

	secret, err := c.wrap(value, contentType)
	if err != nil {
		return err
	}
	props := map[string]dbus.Variant{
		"org.freedesktop.Secret.Item.Label":      dbus.MakeVariant(label),
		"org.freedesktop.Secret.Item.Attributes": dbus.MakeVariant(attributes),
	}
	var item, prompt dbus.ObjectPath
	return c.conn.Object(dbusapi.BusName, collection).
		Call("org.freedesktop.Secret.Collection.CreateItem", 0, props, secret, true).
		Store(&item, &prompt)
}

// Lookup fetches the secret of the first item matching attributes,
// unlocking its collection if needed.
func (c *Client) Lookup(attributes map[string]string) ([]byte, string, error) {
	var unlocked, locked []dbus.ObjectPath
	err := c.svc.Call("org.freedesktop.Secret.Service.SearchItems", 0, attributes).
		Store(&unlocked, &locked)
	if err != nil {
		return nil, "", err
	}
	if len(unlocked) == 0 && len(locked) > 0 {
		if err := c.Unlock(locked); err != nil {
			return nil, "", err
		}
		unlocked = locked
	}
	if len(unlocked) == 0 {
		return nil, "", fmt.Errorf("no matching secret")
	}

	secrets := make(map[dbus.ObjectPath]dbusapi.Secret)
	err = c.svc.Call("org.freedesktop.Secret.Service.GetSecrets", 0,
		unlocked[:1], c.sessionPath).Store(&secrets)
	if err != nil {
		return nil, "", err
	}
	secret, ok := secrets[unlocked[0]]
	if !ok {
		return nil, "", fmt.Errorf("no matching secret")
	}
	value, err := c.unwrap(secret)
	if err != nil {
		return nil, "", err
	}
	return value, secret.ContentType, nil
}

// List returns the metadata of every item matching attributes.
func (c *Client) List(attributes map[string]string) ([]Entry, error) {
	var unlocked, locked []dbus.ObjectPath
	err := c.svc.Call("org.freedesktop.Secret.Service.SearchItems", 0, attributes).
		Store(&unlocked, &locked)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	describe := func(paths []dbus.ObjectPath, isLocked bool) error {
		for _, path := range paths {
			item := c.conn.Object(dbusapi.BusName, path)
			var props map[string]dbus.Variant
			err := item.Call("org.freedesktop.DBus.Properties.GetAll", 0,
				"org.freedesktop.Secret.Item").Store(&props)
			if err != nil {
				return err
			}
			label, _ := props["Label"].Value().(string)
			attrs, _ := props["Attributes"].Value().(map[string]string)
			entries = append(entries, Entry{Path: path, Label: label, Attributes: attrs, Locked: isLocked})
		}
		return nil
	}
	if err := describe(unlocked, false); err != nil {
		return nil, err
	}
	if err := describe(locked, true); err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes every item matching attributes. Returns how many
// items were deleted.
func (c *Client) Delete(attributes map[string]string) (int, error) {
	entries, err := c.List(attributes)
	if err != nil {
		return 0, err
	}
	for n, entry := range entries {
		var prompt dbus.ObjectPath
		err := c.conn.Object(dbusapi.BusName, entry.Path).
			Call("org.freedesktop.Secret.Item.Delete", 0).Store(&prompt)
		if err != nil {
			return n, err
		}
	}
	return len(entries), nil
}

// Collections lists every collection path.
func (c *Client) Collections() ([]dbus.ObjectPath, error) {
	var props map[string]dbus.Variant
	err := c.svc.Call("org.freedesktop.DBus.Properties.GetAll", 0,
		"org.freedesktop.Secret.Service").Store(&props)
	if err != nil {
		return nil, err
	}
	paths, _ := props["Collections"].Value().([]dbus.ObjectPath)
	return paths, nil
}

// Close tears down the session and the connection.
func (c *Client) Close() error {
	if c.sessionPath != "" {
		c.conn.Object(dbusapi.BusName, c.sessionPath).
			Call("org.freedesktop.Secret.Session.Close", 0)
	}
	if c.key != nil {
		cryptox.Wipe(c.key)
		c.key = nil
	}
	return c.conn.Close()
}
