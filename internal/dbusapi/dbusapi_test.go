package dbusapi

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/locker"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/session"
	"github.com/linux-tks/tks/internal/storage"
	"github.com/linux-tks/tks/internal/trustanchor"
)

// newServer builds a server over a throwaway engine with the fscrypt
// anchor; the bus connection stays nil so handlers are driven
// directly.
func newServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, trustanchor.CommissionedProbe), nil, 0o600))

	anchor, err := trustanchor.New(trustanchor.Config{
		Kind:        trustanchor.KindFscrypt,
		StorageRoot: root,
	}, logging.Nop())
	require.NoError(t, err)

	engine, err := storage.Open(root, anchor, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	locks := locker.New(engine, nil, logging.Nop(), locker.Options{})
	sessions := session.NewManager(true)
	return New(engine, locks, sessions, logging.Nop())
}

func pathMsg(path dbus.ObjectPath) dbus.Message {
	return dbus.Message{
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath: dbus.MakeVariant(path),
		},
	}
}

const peer = dbus.Sender(":1.7")

func openPlain(t *testing.T, srv *Server) dbus.ObjectPath {
	t.Helper()
	svc := &serviceHandler{srv: srv}
	_, sessP, derr := svc.OpenSession(peer, session.AlgoPlain, dbus.MakeVariant(""))
	require.Nil(t, derr)
	return sessP
}

func createCollection(t *testing.T, srv *Server, label, alias string) dbus.ObjectPath {
	t.Helper()
	svc := &serviceHandler{srv: srv}
	props := map[string]dbus.Variant{propCollectionLabel: dbus.MakeVariant(label)}
	collP, promptP, derr := svc.CreateCollection(peer, props, alias)
	require.Nil(t, derr)
	require.Equal(t, noPrompt, promptP, "fscrypt anchor needs no prompt")
	return collP
}

func createItem(t *testing.T, srv *Server, collP, sessP dbus.ObjectPath,
	label string, attrs map[string]string, value string) dbus.ObjectPath {
	t.Helper()
	colls := &collectionHandler{srv: srv}
	props := map[string]dbus.Variant{
		propItemLabel:      dbus.MakeVariant(label),
		propItemAttributes: dbus.MakeVariant(attrs),
	}
	secret := Secret{Session: sessP, Value: []byte(value), ContentType: "text/plain"}
	itemP, promptP, derr := colls.CreateItem(peer, pathMsg(collP), props, secret, false)
	require.Nil(t, derr)
	require.Equal(t, noPrompt, promptP)
	return itemP
}

func TestPathRoundTrips(t *testing.T) {
	collID, itemID := uuid.New(), uuid.New()

	gotColl, err := parseCollectionPath(collectionPath(collID))
	require.NoError(t, err)
	assert.Equal(t, collID, gotColl)

	c, i, err := parseItemPath(itemPath(collID, itemID))
	require.NoError(t, err)
	assert.Equal(t, collID, c)
	assert.Equal(t, itemID, i)

	gotSess, err := parseSessionPath(sessionPath(collID))
	require.NoError(t, err)
	assert.Equal(t, collID, gotSess)

	promptID := uuid.NewString()
	gotPrompt, err := parsePromptPath(promptPath(promptID))
	require.NoError(t, err)
	assert.Equal(t, promptID, gotPrompt)

	_, err = parseCollectionPath("/org/freedesktop/secrets/collection/nonsense")
	assert.Error(t, err)
	_, err = parseCollectionPath(itemPath(collID, itemID))
	assert.Error(t, err)
	_, _, err = parseItemPath(collectionPath(collID))
	assert.Error(t, err)
}

func TestWireErrorNames(t *testing.T) {
	cases := []struct {
		err  error
		name string
	}{
		{common.ErrorNotFound, errNoSuchObject},
		{common.ErrorLocked, errIsLocked},
		{common.ErrorNoSession, errNoSession},
		{common.ErrorAlreadyExists, errObjectPathInUse},
		{common.ErrorAuthorization, errAccessDenied},
		{common.ErrorAlgorithmNotAllowed, errNotSupported},
		{common.ErrorIntegrity, errInvalidArgs},
		{common.ErrorStorage, errIOError},
		{fmt.Errorf("wrapped: %w", common.ErrorLocked), errIsLocked},
	}
	for _, tc := range cases {
		derr := wireError(tc.err)
		require.NotNil(t, derr)
		assert.Equal(t, tc.name, derr.Name)
	}
	assert.Nil(t, wireError(nil))
}

func TestStoreAndFetchSecret(t *testing.T) {
	srv := newServer(t)
	sessP := openPlain(t, srv)
	collP := createCollection(t, srv, "default", "default")
	itemP := createItem(t, srv, collP, sessP, "mail", map[string]string{"app": "mail"}, "token123")

	items := &itemHandler{srv: srv}
	secret, derr := items.GetSecret(peer, pathMsg(itemP), sessP)
	require.Nil(t, derr)
	assert.Equal(t, []byte("token123"), secret.Value)
	assert.Equal(t, "text/plain", secret.ContentType)
}

func TestEncryptedSessionEndToEnd(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}

	client, err := cryptox.GenerateDHKeyPair()
	require.NoError(t, err)
	output, sessP, derr := svc.OpenSession(peer, session.AlgoDHGCM, dbus.MakeVariant(client.PublicBytes()))
	require.Nil(t, derr)
	serverPub, ok := output.Value().([]byte)
	require.True(t, ok)
	clientKey, err := client.SessionKey(serverPub, 32)
	require.NoError(t, err)

	collP := createCollection(t, srv, "default", "default")

	// client-side encryption of the outgoing secret
	nonce, ciphertext, err := cryptox.SealGCM(clientKey, []byte("token123"), nil)
	require.NoError(t, err)
	colls := &collectionHandler{srv: srv}
	props := map[string]dbus.Variant{
		propItemLabel:      dbus.MakeVariant("mail"),
		propItemAttributes: dbus.MakeVariant(map[string]string{"app": "mail"}),
	}
	itemP, _, derr := colls.CreateItem(peer, pathMsg(collP), props,
		Secret{Session: sessP, Parameters: nonce, Value: ciphertext, ContentType: "text/plain"}, false)
	require.Nil(t, derr)

	items := &itemHandler{srv: srv}
	secret, derr := items.GetSecret(peer, pathMsg(itemP), sessP)
	require.Nil(t, derr)
	value, err := cryptox.OpenGCM(clientKey, secret.Parameters, secret.Value, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), value)
}

func TestSearchItemsPartitionsByLockState(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}
	sessP := openPlain(t, srv)

	openColl := createCollection(t, srv, "open", "")
	lockedColl := createCollection(t, srv, "closed", "")
	openItem := createItem(t, srv, openColl, sessP, "a", map[string]string{"app": "mail"}, "1")
	lockedItem := createItem(t, srv, lockedColl, sessP, "b", map[string]string{"app": "mail"}, "2")

	lockedPaths, promptP, derr := svc.Lock(peer, []dbus.ObjectPath{lockedColl})
	require.Nil(t, derr)
	assert.Equal(t, noPrompt, promptP)
	assert.Equal(t, []dbus.ObjectPath{lockedColl}, lockedPaths)

	unlocked, locked, derr := svc.SearchItems(map[string]string{"app": "mail"})
	require.Nil(t, derr)
	assert.Equal(t, []dbus.ObjectPath{openItem}, unlocked)
	assert.Equal(t, []dbus.ObjectPath{lockedItem}, locked)
}

func TestGetSecretsSkipsLockedItems(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}
	sessP := openPlain(t, srv)

	openColl := createCollection(t, srv, "open", "")
	lockedColl := createCollection(t, srv, "closed", "")
	openItem := createItem(t, srv, openColl, sessP, "a", nil, "visible")
	lockedItem := createItem(t, srv, lockedColl, sessP, "b", nil, "hidden")

	_, _, derr := svc.Lock(peer, []dbus.ObjectPath{lockedColl})
	require.Nil(t, derr)

	secrets, derr := svc.GetSecrets(peer, []dbus.ObjectPath{openItem, lockedItem}, sessP)
	require.Nil(t, derr)
	require.Len(t, secrets, 1)
	assert.Equal(t, []byte("visible"), secrets[openItem].Value)
}

func TestUnlockInline(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}

	collP := createCollection(t, srv, "default", "default")
	_, _, derr := svc.Lock(peer, []dbus.ObjectPath{collP})
	require.Nil(t, derr)

	unlocked, promptP, derr := svc.Unlock(peer, []dbus.ObjectPath{collP})
	require.Nil(t, derr)
	assert.Equal(t, noPrompt, promptP, "no prompt without an interactive anchor")
	assert.Equal(t, []dbus.ObjectPath{collP}, unlocked)
}

func TestSessionPeerIsolation(t *testing.T) {
	srv := newServer(t)
	sessP := openPlain(t, srv)
	collP := createCollection(t, srv, "default", "default")
	itemP := createItem(t, srv, collP, sessP, "mail", nil, "token123")

	items := &itemHandler{srv: srv}
	_, derr := items.GetSecret(dbus.Sender(":1.999"), pathMsg(itemP), sessP)
	require.NotNil(t, derr)
	assert.Equal(t, errNoSession, derr.Name)
}

func TestSessionCloseInvalidatesIt(t *testing.T) {
	srv := newServer(t)
	sessP := openPlain(t, srv)
	collP := createCollection(t, srv, "default", "default")
	itemP := createItem(t, srv, collP, sessP, "mail", nil, "token123")

	sessions := &sessionHandler{srv: srv}
	require.Nil(t, sessions.Close(peer, pathMsg(sessP)))

	items := &itemHandler{srv: srv}
	_, derr := items.GetSecret(peer, pathMsg(itemP), sessP)
	require.NotNil(t, derr)
	assert.Equal(t, errNoSession, derr.Name)
}

func TestReadAlias(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}

	collP := createCollection(t, srv, "default", "default")
	got, derr := svc.ReadAlias("default")
	require.Nil(t, derr)
	assert.Equal(t, collP, got)

	got, derr = svc.ReadAlias("no-such-alias")
	require.Nil(t, derr)
	assert.Equal(t, noPrompt, got, "unknown aliases read as /")
}

func TestCreateCollectionExistingAlias(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}

	collP := createCollection(t, srv, "default", "default")
	props := map[string]dbus.Variant{propCollectionLabel: dbus.MakeVariant("another")}
	got, promptP, derr := svc.CreateCollection(peer, props, "default")
	require.Nil(t, derr)
	assert.Equal(t, noPrompt, promptP)
	assert.Equal(t, collP, got, "existing alias returns the collection it names")
}

func TestCollectionDelete(t *testing.T) {
	srv := newServer(t)
	svc := &serviceHandler{srv: srv}
	collP := createCollection(t, srv, "doomed", "")

	colls := &collectionHandler{srv: srv}
	promptP, derr := colls.Delete(peer, pathMsg(collP))
	require.Nil(t, derr)
	assert.Equal(t, noPrompt, promptP, "no confirmation dialog without a prompter")

	unlocked, _, derr := svc.SearchItems(nil)
	require.Nil(t, derr)
	assert.Empty(t, unlocked)
}

func TestItemDeleteAndDuplicate(t *testing.T) {
	srv := newServer(t)
	sessP := openPlain(t, srv)
	collP := createCollection(t, srv, "default", "default")
	attrs := map[string]string{"app": "mail"}
	itemP := createItem(t, srv, collP, sessP, "mail", attrs, "token123")

	// same attributes without replace is rejected
	colls := &collectionHandler{srv: srv}
	props := map[string]dbus.Variant{
		propItemLabel:      dbus.MakeVariant("dup"),
		propItemAttributes: dbus.MakeVariant(attrs),
	}
	_, _, derr := colls.CreateItem(peer, pathMsg(collP), props,
		Secret{Session: sessP, Value: []byte("x"), ContentType: "text/plain"}, false)
	require.NotNil(t, derr)
	assert.Equal(t, errObjectPathInUse, derr.Name)

	items := &itemHandler{srv: srv}
	promptP, derr := items.Delete(peer, pathMsg(itemP))
	require.Nil(t, derr)
	assert.Equal(t, noPrompt, promptP)

	_, derr = items.GetSecret(peer, pathMsg(itemP), sessP)
	require.NotNil(t, derr)
	assert.Equal(t, errNoSuchObject, derr.Name)
}

func TestProperties(t *testing.T) {
	srv := newServer(t)
	sessP := openPlain(t, srv)
	collP := createCollection(t, srv, "default", "default")
	itemP := createItem(t, srv, collP, sessP, "mail", map[string]string{"app": "mail"}, "token123")

	props := &propHandler{srv: srv}

	all, derr := props.GetAll(pathMsg(BasePath), serviceInterface)
	require.Nil(t, derr)
	assert.Equal(t, []dbus.ObjectPath{collP}, all["Collections"].Value())

	all, derr = props.GetAll(pathMsg(collP), collectionInterface)
	require.Nil(t, derr)
	assert.Equal(t, "default", all["Label"].Value())
	assert.Equal(t, false, all["Locked"].Value())
	assert.Equal(t, []dbus.ObjectPath{itemP}, all["Items"].Value())

	v, derr := props.Get(pathMsg(itemP), itemInterface, "Attributes")
	require.Nil(t, derr)
	assert.Equal(t, map[string]string{"app": "mail"}, v.Value())

	require.Nil(t, props.Set(pathMsg(itemP), itemInterface, "Label", dbus.MakeVariant("renamed")))
	v, derr = props.Get(pathMsg(itemP), itemInterface, "Label")
	require.Nil(t, derr)
	assert.Equal(t, "renamed", v.Value())

	derr = props.Set(pathMsg(itemP), itemInterface, "Created", dbus.MakeVariant(uint64(0)))
	require.NotNil(t, derr)
	assert.Equal(t, errPropertyReadOnly, derr.Name)
}
