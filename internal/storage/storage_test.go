package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/trustanchor"
)

// newEngine builds an engine over a temp directory with the fscrypt
// anchor (no interactive factor), commissioning the probe file the
// provisioning script normally drops.
func newEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, trustanchor.CommissionedProbe), nil, 0o600))

	anchor, err := trustanchor.New(trustanchor.Config{
		Kind:        trustanchor.KindFscrypt,
		StorageRoot: root,
	}, logging.Nop())
	require.NoError(t, err)

	e, err := Open(root, anchor, logging.Nop())
	require.NoError(t, err)
	return e, root
}

func newPassphraseEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	anchor, err := trustanchor.New(trustanchor.Config{Kind: trustanchor.KindPassphrase}, logging.Nop())
	require.NoError(t, err)
	e, err := Open(root, anchor, logging.Nop())
	require.NoError(t, err)
	return e
}

func TestCreateCollectionDuplicateName(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.CreateCollection(ctx, "work", "", nil)
	require.NoError(t, err)

	_, err = e.CreateCollection(ctx, "work", "", nil)
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)
}

func TestPutAndGetItem(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)
	assert.False(t, coll.Locked)

	item, _, err := e.PutItem(ctx, coll.ID, "mail token", map[string]string{"app": "mail"},
		[]byte("token123"), "text/plain", false)
	require.NoError(t, err)

	secret, contentType, err := e.GetItemSecret(ctx, coll.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), secret)
	assert.Equal(t, "text/plain", contentType)
}

func TestPutItemReplaceSemantics(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)

	attrs := map[string]string{"app": "mail", "user": "alice"}
	first, replaced, err := e.PutItem(ctx, coll.ID, "old", attrs, []byte("one"), "text/plain", false)
	require.NoError(t, err)
	assert.False(t, replaced)

	_, _, err = e.PutItem(ctx, coll.ID, "dup", attrs, []byte("two"), "text/plain", false)
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)

	// an immediate replace still reports as one; timestamps land in the
	// same second here
	second, replaced, err := e.PutItem(ctx, coll.ID, "new", attrs, []byte("two"), "text/plain", true)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, first.ID, second.ID, "replace keeps the item identity")

	secret, _, err := e.GetItemSecret(ctx, coll.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), secret)
}

func TestPutItemReplaceKeepsOldSecretOnMetaFailure(t *testing.T) {
	e, root := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)
	attrs := map[string]string{"app": "mail"}
	item, _, err := e.PutItem(ctx, coll.ID, "mail", attrs, []byte("one"), "text/plain", false)
	require.NoError(t, err)

	// make the metadata commit fail: a file cannot be renamed over a
	// directory
	metaPath := filepath.Join(root, coll.ID.String(), metaFileName)
	require.NoError(t, os.Remove(metaPath))
	require.NoError(t, os.Mkdir(metaPath, 0o700))

	_, _, err = e.PutItem(ctx, coll.ID, "mail", attrs, []byte("two"), "text/plain", true)
	require.ErrorIs(t, err, common.ErrorStorage)
	require.NoError(t, os.Remove(metaPath))

	secret, _, err := e.GetItemSecret(ctx, coll.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), secret, "a failed replace must not expose the new value")
}

// Full store/lock/search/unlock life cycle at the engine level.
func TestLockSearchUnlockScenario(t *testing.T) {
	e := newPassphraseEngine(t)
	ctx := context.Background()
	passphrase := []byte("hunter2")

	coll, err := e.CreateCollection(ctx, "default", "default", passphrase)
	require.NoError(t, err)

	item, _, err := e.PutItem(ctx, coll.ID, "mail", map[string]string{"app": "mail"},
		[]byte("token123"), "text/plain", false)
	require.NoError(t, err)

	require.NoError(t, e.LockCollection(coll.ID))

	// search still works on the locked collection, identity/attributes only
	matches := e.Search(map[string]string{"app": "mail"})
	require.Len(t, matches, 1)
	assert.Equal(t, item.ID, matches[0].Item.ID)
	assert.True(t, matches[0].Collection.Locked)

	_, _, err = e.GetItemSecret(ctx, coll.ID, item.ID)
	assert.ErrorIs(t, err, common.ErrorLocked)

	_, _, err = e.PutItem(ctx, coll.ID, "x", map[string]string{"a": "b"}, []byte("s"), "text/plain", false)
	assert.ErrorIs(t, err, common.ErrorLocked)

	require.NoError(t, e.UnlockCollection(ctx, coll.ID, passphrase))
	secret, _, err := e.GetItemSecret(ctx, coll.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), secret)
}

func TestUnlockWrongPassphrase(t *testing.T) {
	e := newPassphraseEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", []byte("right"))
	require.NoError(t, err)
	require.NoError(t, e.LockCollection(coll.ID))

	err = e.UnlockCollection(ctx, coll.ID, []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrorAuthorization)

	info, err := e.CollectionInfo(coll.ID)
	require.NoError(t, err)
	assert.True(t, info.Locked)
}

func TestSearchSupersetMatch(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)

	_, _, err = e.PutItem(ctx, coll.ID, "a", map[string]string{"app": "mail", "user": "alice"},
		[]byte("1"), "text/plain", false)
	require.NoError(t, err)
	_, _, err = e.PutItem(ctx, coll.ID, "b", map[string]string{"app": "web"},
		[]byte("2"), "text/plain", false)
	require.NoError(t, err)

	assert.Len(t, e.Search(map[string]string{"app": "mail"}), 1)
	assert.Len(t, e.Search(map[string]string{"user": "alice", "app": "mail"}), 1)
	assert.Len(t, e.Search(map[string]string{"app": "other"}), 0)
	assert.Len(t, e.Search(nil), 2)
}

func TestDeleteCollectionInvalidatesHandles(t *testing.T) {
	e, root := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "doomed", "", nil)
	require.NoError(t, err)
	item, _, err := e.PutItem(ctx, coll.ID, "x", map[string]string{"k": "v"}, []byte("s"), "text/plain", false)
	require.NoError(t, err)

	require.NoError(t, e.DeleteCollection(ctx, coll.ID))

	_, _, err = e.GetItemSecret(ctx, coll.ID, item.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	_, err = e.CollectionInfo(coll.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	err = e.DeleteCollection(ctx, coll.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	// backing storage is gone too
	_, err = os.Stat(filepath.Join(root, coll.ID.String()))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteItem(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)
	item, _, err := e.PutItem(ctx, coll.ID, "x", map[string]string{"k": "v"}, []byte("s"), "text/plain", false)
	require.NoError(t, err)

	require.NoError(t, e.DeleteItem(ctx, coll.ID, item.ID))
	err = e.DeleteItem(ctx, coll.ID, item.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Empty(t, e.Search(nil))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, trustanchor.CommissionedProbe), nil, 0o600))
	anchor, err := trustanchor.New(trustanchor.Config{
		Kind:        trustanchor.KindFscrypt,
		StorageRoot: root,
	}, logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	e1, err := Open(root, anchor, logging.Nop())
	require.NoError(t, err)
	coll, err := e1.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)
	item, _, err := e1.PutItem(ctx, coll.ID, "mail", map[string]string{"app": "mail"},
		[]byte("token123"), "text/plain", false)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(root, anchor, logging.Nop())
	require.NoError(t, err)

	// collections come back locked
	info, err := e2.ReadAlias("default")
	require.NoError(t, err)
	assert.True(t, info.Locked)

	require.NoError(t, e2.UnlockCollection(ctx, info.ID, nil))
	secret, _, err := e2.GetItemSecret(ctx, info.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("token123"), secret)
}

func TestTamperedItemFileFailsIntegrity(t *testing.T) {
	e, root := newEngine(t)
	ctx := context.Background()

	coll, err := e.CreateCollection(ctx, "default", "default", nil)
	require.NoError(t, err)
	item, _, err := e.PutItem(ctx, coll.ID, "x", nil, []byte("secret"), "text/plain", false)
	require.NoError(t, err)

	path := filepath.Join(root, coll.ID.String(), itemsDirName, item.ID.String()+itemFileSuffix)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, _, err = e.GetItemSecret(ctx, coll.ID, item.ID)
	assert.ErrorIs(t, err, common.ErrorIntegrity)
}

func TestAliases(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	a, err := e.CreateCollection(ctx, "first", "default", nil)
	require.NoError(t, err)
	b, err := e.CreateCollection(ctx, "second", "", nil)
	require.NoError(t, err)

	got, err := e.ReadAlias("default")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	require.NoError(t, e.SetAlias(ctx, "default", b.ID))
	got, err = e.ReadAlias("default")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = e.ReadAlias("missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestEnsureDefault(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.EnsureDefault(context.Background()))

	info, err := e.ReadAlias(DefaultCollectionName)
	require.NoError(t, err)
	assert.True(t, info.Default)

	// idempotent
	require.NoError(t, e.EnsureDefault(context.Background()))
	assert.Len(t, e.Collections(), 1)
}

func TestEnsureDefaultDeferredForInteractiveAnchor(t *testing.T) {
	e := newPassphraseEngine(t)
	require.NoError(t, e.EnsureDefault(context.Background()))
	assert.Empty(t, e.Collections())
}

func TestSweepTrashOnOpen(t *testing.T) {
	e, root := newEngine(t)
	require.NoError(t, e.Close())

	leftover := filepath.Join(root, trashPrefix+uuid.NewString())
	require.NoError(t, os.MkdirAll(leftover, 0o700))

	anchor, err := trustanchor.New(trustanchor.Config{
		Kind:        trustanchor.KindFscrypt,
		StorageRoot: root,
	}, logging.Nop())
	require.NoError(t, err)
	_, err = Open(root, anchor, logging.Nop())
	require.NoError(t, err)

	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
}
