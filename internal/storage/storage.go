// Package storage owns the on-disk representation of collections and
// items: one directory per collection holding the sealed master key,
// a JSON metadata file and one authenticated-ciphertext file per item.
//
// Confidentiality choice: item labels and lookup attributes are stored
// in plaintext inside the metadata file. This deliberately trades
// metadata confidentiality for attribute search over locked
// collections, matching how the protocol is deployed in practice.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/trustanchor"
)

// DefaultCollectionName is the name (and alias) of the collection
// created at first run.
const DefaultCollectionName = "default"

const masterKeySize = 32

// Engine is the storage engine. It keeps the registry of live
// collections, loaded once at startup and passed explicitly to every
// component that needs it.
type Engine struct {
	root   string
	anchor *trustanchor.Adapter
	logger logging.Logger

	mu          sync.RWMutex
	collections map[uuid.UUID]*Collection

	watcher *watcher
}

// Match is one search hit. Secret values are never part of a match;
// callers fetch them separately, which requires the collection to be
// unlocked.
type Match struct {
	Collection CollectionInfo
	Item       Item
}

// Open initializes the engine over root, sweeping half-deleted
// collections and loading every collection directory found.
func Open(root string, anchor *trustanchor.Adapter, logger logging.Logger) (*Engine, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	if err := sweepTrash(root); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}

	e := &Engine{
		root:        root,
		anchor:      anchor,
		logger:      logger.With("module", "storage"),
		collections: make(map[uuid.UUID]*Collection),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		coll, err := loadCollection(dir)
		if err != nil {
			logger.Warn(context.Background(), "skipping unreadable collection directory",
				"dir", entry.Name(), "error", err.Error())
			continue
		}
		e.collections[coll.meta.ID] = coll
	}
	return e, nil
}

// EnsureDefault creates the default collection at first run. When the
// trust anchor needs an interactive factor the creation is deferred to
// the first client request, which can carry a prompt.
func (e *Engine) EnsureDefault(ctx context.Context) error {
	if _, err := e.ReadAlias(DefaultCollectionName); err == nil {
		return nil
	}
	if e.anchor.NeedsFactor() {
		e.logger.Info(ctx, "deferring default collection creation until a client supplies an authorization factor")
		return nil
	}
	e.logger.Info(ctx, "creating default collection")
	_, err := e.CreateCollection(ctx, DefaultCollectionName, DefaultCollectionName, nil)
	return err
}

// NeedsFactor reports whether unlock and create operations require a
// client supplied secret factor, such as a passphrase.
func (e *Engine) NeedsFactor() bool { return e.anchor.NeedsFactor() }

func (e *Engine) get(id uuid.UUID) (*Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	coll, ok := e.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", common.ErrorNotFound, id)
	}
	return coll, nil
}

// Collections lists snapshots of every live collection.
func (e *Engine) Collections() []CollectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(e.collections))
	for _, coll := range e.collections {
		out = append(out, coll.Info())
	}
	return out
}

// CollectionInfo returns a snapshot of one collection.
func (e *Engine) CollectionInfo(id uuid.UUID) (CollectionInfo, error) {
	coll, err := e.get(id)
	if err != nil {
		return CollectionInfo{}, err
	}
	return coll.Info(), nil
}

// FindByName resolves a collection by its name.
func (e *Engine) FindByName(name string) (CollectionInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, coll := range e.collections {
		if coll.Info().Name == name {
			return coll.Info(), nil
		}
	}
	return CollectionInfo{}, fmt.Errorf("%w: collection %q", common.ErrorNotFound, name)
}

// CreateCollection generates a fresh master key, seals it through the
// trust anchor and initializes an empty item store. The collection
// starts out unlocked. factor is the authorization value for anchors
// that need one.
func (e *Engine) CreateCollection(ctx context.Context, name, alias string, factor []byte) (CollectionInfo, error) {
	if name == "" {
		return CollectionInfo{}, fmt.Errorf("%w: empty collection name", common.ErrorParameter)
	}
	if _, err := e.FindByName(name); err == nil {
		return CollectionInfo{}, fmt.Errorf("%w: collection %q", common.ErrorAlreadyExists, name)
	}

	masterKey, err := cryptox.RandBytes(masterKeySize)
	if err != nil {
		return CollectionInfo{}, err
	}
	sealed, err := e.anchor.Seal(ctx, masterKey, factor)
	if err != nil {
		cryptox.Wipe(masterKey)
		return CollectionInfo{}, err
	}

	now := time.Now().Unix()
	coll := &Collection{
		meta: collectionMeta{
			SchemaVersion: metaSchemaVersion,
			ID:            uuid.New(),
			Name:          name,
			Default:       name == DefaultCollectionName,
			Created:       now,
			Modified:      now,
			Items:         []Item{},
		},
		sealed:    sealed,
		masterKey: masterKey,
	}
	if alias != "" {
		coll.meta.Aliases = []string{alias}
	}
	coll.dir = filepath.Join(e.root, coll.meta.ID.String())

	if err := e.persistNewCollection(ctx, coll); err != nil {
		cryptox.Wipe(masterKey)
		return CollectionInfo{}, err
	}

	e.mu.Lock()
	e.collections[coll.meta.ID] = coll
	e.mu.Unlock()

	e.logger.Info(ctx, "created collection", "name", name, "id", coll.meta.ID.String())
	return coll.Info(), nil
}

func (e *Engine) persistNewCollection(ctx context.Context, coll *Collection) error {
	if err := os.MkdirAll(filepath.Join(coll.dir, itemsDirName), 0o700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	keyData, err := json.MarshalIndent(coll.sealed, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(coll.sealedKeyPath(), keyData, 0o600); err != nil {
		os.RemoveAll(coll.dir)
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	if err := coll.saveMeta(); err != nil {
		os.RemoveAll(coll.dir)
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	return nil
}

// DeleteCollection irreversibly removes the sealed key and every item
// ciphertext. Crash-atomic: after restart the collection is either
// fully present or gone.
func (e *Engine) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	coll, err := e.get(id)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	if err := removeDirAtomic(coll.dir); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	if coll.masterKey != nil {
		cryptox.Wipe(coll.masterKey)
		coll.masterKey = nil
	}
	if err := e.anchor.Destroy(ctx, coll.sealed); err != nil {
		// storage is already gone; log and carry on
		e.logger.Warn(ctx, "releasing sealed key resources failed", "error", err.Error())
	}

	e.mu.Lock()
	delete(e.collections, id)
	e.mu.Unlock()

	e.logger.Info(ctx, "deleted collection", "id", id.String())
	return nil
}

// RenameCollection changes a collection's display name. Works on
// locked collections; names stay unique.
func (e *Engine) RenameCollection(ctx context.Context, id uuid.UUID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty collection name", common.ErrorParameter)
	}
	if other, err := e.FindByName(name); err == nil && other.ID != id {
		return fmt.Errorf("%w: collection %q", common.ErrorAlreadyExists, name)
	}
	coll, err := e.get(id)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()
	coll.meta.Name = name
	if err := coll.saveMeta(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	return nil
}

// UnlockCollection unseals the master key and caches it in memory
// only. The caller (the lock manager) is responsible for state
// bookkeeping and attempt bounds.
func (e *Engine) UnlockCollection(ctx context.Context, id uuid.UUID, factor []byte) error {
	coll, err := e.get(id)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	if coll.masterKey != nil {
		return nil
	}
	key, err := e.anchor.Unseal(ctx, coll.sealed, factor)
	if err != nil {
		return err
	}
	coll.masterKey = key
	return nil
}

// LockCollection wipes the cached master key. Idempotent.
func (e *Engine) LockCollection(id uuid.UUID) error {
	coll, err := e.get(id)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	if coll.masterKey != nil {
		cryptox.Wipe(coll.masterKey)
		coll.masterKey = nil
	}
	return nil
}

// Items lists the metadata of every item in a collection. Works on
// locked collections; secrets are not part of the listing.
func (e *Engine) Items(id uuid.UUID) ([]Item, error) {
	coll, err := e.get(id)
	if err != nil {
		return nil, err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()
	return append([]Item(nil), coll.meta.Items...), nil
}

// Item returns one item's metadata.
func (e *Engine) Item(collectionID, itemID uuid.UUID) (Item, error) {
	coll, err := e.get(collectionID)
	if err != nil {
		return Item{}, err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()
	n, ok := coll.findItem(itemID)
	if !ok {
		return Item{}, fmt.Errorf("%w: item %s", common.ErrorNotFound, itemID)
	}
	return coll.meta.Items[n], nil
}

// PutItem stores a new secret. When an item with identical attributes
// exists, replace selects between overwriting it (keeping its
// identity) and failing with ErrorAlreadyExists; the second return
// reports which of the two happened. Requires the collection to be
// unlocked.
func (e *Engine) PutItem(ctx context.Context, collectionID uuid.UUID, label string,
	attributes map[string]string, secret []byte, contentType string, replace bool) (Item, bool, error) {

	coll, err := e.get(collectionID)
	if err != nil {
		return Item{}, false, err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	if coll.masterKey == nil {
		return Item{}, false, fmt.Errorf("%w: collection %s", common.ErrorLocked, collectionID)
	}
	if attributes == nil {
		attributes = map[string]string{}
	}

	existing := -1
	for n, it := range coll.meta.Items {
		if it.MatchesAttributes(attributes) && len(it.Attributes) == len(attributes) {
			existing = n
			break
		}
	}
	if existing >= 0 && !replace {
		return Item{}, false, fmt.Errorf("%w: item with these attributes", common.ErrorAlreadyExists)
	}

	now := time.Now().Unix()
	var item Item
	if existing >= 0 {
		item = coll.meta.Items[existing]
		item.Label = label
		item.ContentType = contentType
		item.Modified = now
	} else {
		item = Item{
			ID:          uuid.New(),
			Label:       label,
			Attributes:  attributes,
			ContentType: contentType,
			Created:     now,
			Modified:    now,
		}
	}

	// metadata write failure must leave the previous secret intact, so
	// a replacement ciphertext is staged next to the live file and only
	// renamed in once the metadata commit lands
	savedItems := append([]Item(nil), coll.meta.Items...)
	staged := ""
	if existing >= 0 {
		buf, err := coll.encodeSecret(item.ID, secret, item.ContentType)
		if err != nil {
			return Item{}, false, fmt.Errorf("%w: %v", common.ErrorStorage, err)
		}
		staged = coll.itemPath(item.ID) + stagedSuffix
		if err := writeFileAtomic(staged, buf, 0o600); err != nil {
			return Item{}, false, fmt.Errorf("%w: %v", common.ErrorStorage, err)
		}
		coll.meta.Items[existing] = item
	} else {
		if err := coll.writeSecret(item.ID, secret, item.ContentType); err != nil {
			return Item{}, false, fmt.Errorf("%w: %v", common.ErrorStorage, err)
		}
		coll.meta.Items = append(coll.meta.Items, item)
	}

	if err := coll.saveMeta(); err != nil {
		coll.meta.Items = savedItems
		if staged != "" {
			os.Remove(staged)
		} else {
			os.Remove(coll.itemPath(item.ID))
		}
		return Item{}, false, fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	if staged != "" {
		if err := os.Rename(staged, coll.itemPath(item.ID)); err != nil {
			coll.meta.Items = savedItems
			coll.saveMeta()
			os.Remove(staged)
			return Item{}, false, fmt.Errorf("%w: %v", common.ErrorStorage, err)
		}
	}
	return item, existing >= 0, nil
}

// GetItemSecret decrypts an item's secret on demand. The plaintext is
// never cached past this call. Fails with ErrorLocked on a locked
// collection.
func (e *Engine) GetItemSecret(ctx context.Context, collectionID, itemID uuid.UUID) ([]byte, string, error) {
	coll, err := e.get(collectionID)
	if err != nil {
		return nil, "", err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	n, ok := coll.findItem(itemID)
	if !ok {
		return nil, "", fmt.Errorf("%w: item %s", common.ErrorNotFound, itemID)
	}
	if coll.masterKey == nil {
		return nil, "", fmt.Errorf("%w: collection %s", common.ErrorLocked, collectionID)
	}
	item := coll.meta.Items[n]
	secret, err := coll.readSecret(item.ID, item.ContentType)
	if err != nil {
		return nil, "", err
	}
	return secret, item.ContentType, nil
}

// SetItemSecret replaces an item's secret value. Requires Unlocked.
func (e *Engine) SetItemSecret(ctx context.Context, collectionID, itemID uuid.UUID, secret []byte, contentType string) error {
	coll, err := e.get(collectionID)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	n, ok := coll.findItem(itemID)
	if !ok {
		return fmt.Errorf("%w: item %s", common.ErrorNotFound, itemID)
	}
	if coll.masterKey == nil {
		return fmt.Errorf("%w: collection %s", common.ErrorLocked, collectionID)
	}
	if err := coll.writeSecret(itemID, secret, contentType); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	coll.meta.Items[n].ContentType = contentType
	coll.meta.Items[n].Modified = time.Now().Unix()
	if err := coll.saveMeta(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	return nil
}

// SetItemLabel updates an item's display label.
func (e *Engine) SetItemLabel(collectionID, itemID uuid.UUID, label string) error {
	coll, err := e.get(collectionID)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	n, ok := coll.findItem(itemID)
	if !ok {
		return fmt.Errorf("%w: item %s", common.ErrorNotFound, itemID)
	}
	coll.meta.Items[n].Label = label
	coll.meta.Items[n].Modified = time.Now().Unix()
	if err := coll.saveMeta(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	return nil
}

// SetItemAttributes replaces an item's lookup attributes.
func (e *Engine) SetItemAttributes(collectionID, itemID uuid.UUID, attributes map[string]string) error {
	coll, err := e.get(collectionID)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	n, ok := coll.findItem(itemID)
	if !ok {
		return fmt.Errorf("%w: item %s", common.ErrorNotFound, itemID)
	}
	if attributes == nil {
		attributes = map[string]string{}
	}
	coll.meta.Items[n].Attributes = attributes
	coll.meta.Items[n].Modified = time.Now().Unix()
	if err := coll.saveMeta(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	return nil
}

// DeleteItem removes an item and its ciphertext file.
func (e *Engine) DeleteItem(ctx context.Context, collectionID, itemID uuid.UUID) error {
	coll, err := e.get(collectionID)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	n, ok := coll.findItem(itemID)
	if !ok {
		return fmt.Errorf("%w: item %s", common.ErrorNotFound, itemID)
	}

	savedItems := append([]Item(nil), coll.meta.Items...)
	coll.meta.Items = append(coll.meta.Items[:n], coll.meta.Items[n+1:]...)
	if err := coll.saveMeta(); err != nil {
		coll.meta.Items = savedItems
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	if err := os.Remove(coll.itemPath(itemID)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn(ctx, "leaking orphan secret file", "item", itemID.String(), "error", err.Error())
	}
	return nil
}

// Search matches items whose attributes are a superset of filter,
// across all collections, locked or not. Only identity and metadata
// are returned.
func (e *Engine) Search(filter map[string]string) []Match {
	e.mu.RLock()
	colls := make([]*Collection, 0, len(e.collections))
	for _, coll := range e.collections {
		colls = append(colls, coll)
	}
	e.mu.RUnlock()

	var matches []Match
	for _, coll := range colls {
		coll.mu.Lock()
		info := coll.info()
		for _, item := range coll.meta.Items {
			if item.MatchesAttributes(filter) {
				matches = append(matches, Match{Collection: info, Item: item})
			}
		}
		coll.mu.Unlock()
	}
	return matches
}

// ReadAlias resolves an alias ("default" in particular) to its
// collection.
func (e *Engine) ReadAlias(alias string) (CollectionInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, coll := range e.collections {
		for _, a := range coll.Info().Aliases {
			if a == alias {
				return coll.Info(), nil
			}
		}
	}
	return CollectionInfo{}, fmt.Errorf("%w: alias %q", common.ErrorNotFound, alias)
}

// SetAlias points an alias at a collection, removing it from any
// collection that held it before.
func (e *Engine) SetAlias(ctx context.Context, alias string, id uuid.UUID) error {
	target, err := e.get(id)
	if err != nil {
		return err
	}

	e.mu.RLock()
	others := make([]*Collection, 0, len(e.collections))
	for _, coll := range e.collections {
		if coll != target {
			others = append(others, coll)
		}
	}
	e.mu.RUnlock()

	for _, coll := range others {
		coll.mu.Lock()
		kept := coll.meta.Aliases[:0]
		removed := false
		for _, a := range coll.meta.Aliases {
			if a == alias {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if removed {
			coll.meta.Aliases = kept
			if err := coll.saveMeta(); err != nil {
				coll.mu.Unlock()
				return fmt.Errorf("%w: %v", common.ErrorStorage, err)
			}
		}
		coll.mu.Unlock()
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	for _, a := range target.meta.Aliases {
		if a == alias {
			return nil
		}
	}
	target.meta.Aliases = append(target.meta.Aliases, alias)
	if err := target.saveMeta(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	return nil
}

// RemoveAlias strips an alias from whichever collection holds it.
// Removing an unknown alias is a no-op.
func (e *Engine) RemoveAlias(ctx context.Context, alias string) error {
	e.mu.RLock()
	colls := make([]*Collection, 0, len(e.collections))
	for _, coll := range e.collections {
		colls = append(colls, coll)
	}
	e.mu.RUnlock()

	for _, coll := range colls {
		coll.mu.Lock()
		kept := coll.meta.Aliases[:0]
		removed := false
		for _, a := range coll.meta.Aliases {
			if a == alias {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if removed {
			coll.meta.Aliases = kept
			if err := coll.saveMeta(); err != nil {
				coll.mu.Unlock()
				return fmt.Errorf("%w: %v", common.ErrorStorage, err)
			}
		}
		coll.mu.Unlock()
	}
	return nil
}

// Close locks every collection, wiping all cached key material.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.stop()
	}
	e.mu.RLock()
	colls := make([]*Collection, 0, len(e.collections))
	for _, coll := range e.collections {
		colls = append(colls, coll)
	}
	e.mu.RUnlock()

	for _, coll := range colls {
		coll.mu.Lock()
		if coll.masterKey != nil {
			cryptox.Wipe(coll.masterKey)
			coll.masterKey = nil
		}
		coll.mu.Unlock()
	}
	return nil
}
