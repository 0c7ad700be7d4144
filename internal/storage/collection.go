package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/cryptox"
	"github.com/linux-tks/tks/internal/trustanchor"
)

const (
	metaSchemaVersion = 1
	itemFileVersion   = 1

	metaFileName      = "collection.json"
	sealedKeyFileName = "master.key"
	itemsDirName      = "items"
	itemFileSuffix    = ".secret"

	// suffix of a replacement ciphertext staged next to the live one
	// until the metadata commit lands
	stagedSuffix = ".new"
)

// Item is the client-visible description of one stored secret. Label
// and attributes are kept in plaintext in the collection metadata so
// attribute search works while the collection is locked; the secret
// value itself only exists as authenticated ciphertext on disk.
type Item struct {
	ID          uuid.UUID         `json:"id"`
	Label       string            `json:"label"`
	Attributes  map[string]string `json:"attributes"`
	ContentType string            `json:"content_type"`
	Created     int64             `json:"created"`
	Modified    int64             `json:"modified"`
}

// MatchesAttributes reports whether the item's attribute mapping is a
// superset of filter. An empty filter matches everything.
func (i Item) MatchesAttributes(filter map[string]string) bool {
	for k, v := range filter {
		if i.Attributes[k] != v {
			return false
		}
	}
	return true
}

type collectionMeta struct {
	SchemaVersion int       `json:"schema_version"`
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Default       bool      `json:"default"`
	Aliases       []string  `json:"aliases,omitempty"`
	Created       int64     `json:"created"`
	Modified      int64     `json:"modified"`
	Items         []Item    `json:"items"`
}

// Collection couples persisted metadata with runtime state: the
// directory it lives in, the sealed master key and, while unlocked,
// the unsealed key. All operations on one collection are serialized
// by its mutex; different collections proceed independently.
type Collection struct {
	mu sync.Mutex

	meta   collectionMeta
	dir    string
	sealed *trustanchor.SealedKey

	// nil while locked; actively wiped on every lock transition
	masterKey []byte
}

// CollectionInfo is an immutable snapshot handed to callers outside
// the engine.
type CollectionInfo struct {
	ID       uuid.UUID
	Name     string
	Aliases  []string
	Default  bool
	Locked   bool
	Created  int64
	Modified int64
}

func (c *Collection) info() CollectionInfo {
	return CollectionInfo{
		ID:       c.meta.ID,
		Name:     c.meta.Name,
		Aliases:  append([]string(nil), c.meta.Aliases...),
		Default:  c.meta.Default,
		Locked:   c.masterKey == nil,
		Created:  c.meta.Created,
		Modified: c.meta.Modified,
	}
}

func (c *Collection) Info() CollectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info()
}

func (c *Collection) metaPath() string      { return filepath.Join(c.dir, metaFileName) }
func (c *Collection) sealedKeyPath() string { return filepath.Join(c.dir, sealedKeyFileName) }
func (c *Collection) itemPath(id uuid.UUID) string {
	return filepath.Join(c.dir, itemsDirName, id.String()+itemFileSuffix)
}

// itemAAD binds an item's ciphertext to its identity and content type,
// so ciphertext files cannot be swapped between items undetected.
func (c *Collection) itemAAD(itemID uuid.UUID, contentType string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", c.meta.ID, itemID, contentType))
}

func (c *Collection) findItem(id uuid.UUID) (int, bool) {
	for n := range c.meta.Items {
		if c.meta.Items[n].ID == id {
			return n, true
		}
	}
	return 0, false
}

// saveMeta persists the metadata file atomically and bumps the
// modification timestamp.
func (c *Collection) saveMeta() error {
	c.meta.Modified = time.Now().Unix()
	data, err := json.MarshalIndent(&c.meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(c.metaPath(), data, 0o600)
}

// encodeSecret seals one item's secret value into the on-disk frame.
func (c *Collection) encodeSecret(itemID uuid.UUID, secret []byte, contentType string) ([]byte, error) {
	nonce, ciphertext, err := cryptox.SealGCM(c.masterKey, secret, c.itemAAD(itemID, contentType))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(nonce)+len(ciphertext))
	buf = append(buf, itemFileVersion)
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	return buf, nil
}

// writeSecret encrypts and persists one item's secret value.
func (c *Collection) writeSecret(itemID uuid.UUID, secret []byte, contentType string) error {
	buf, err := c.encodeSecret(itemID, secret, contentType)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.itemPath(itemID), buf, 0o600)
}

// readSecret loads and decrypts one item's secret value. The plaintext
// is returned to the caller and never cached.
func (c *Collection) readSecret(itemID uuid.UUID, contentType string) ([]byte, error) {
	raw, err := os.ReadFile(c.itemPath(itemID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: secret file for item %s", common.ErrorNotFound, itemID)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrorStorage, err)
	}
	if len(raw) < 1+cryptox.GCMNonceSize || raw[0] != itemFileVersion {
		return nil, fmt.Errorf("%w: malformed secret file for item %s", common.ErrorIntegrity, itemID)
	}
	nonce := raw[1 : 1+cryptox.GCMNonceSize]
	ciphertext := raw[1+cryptox.GCMNonceSize:]

	secret, err := cryptox.OpenGCM(c.masterKey, nonce, ciphertext, c.itemAAD(itemID, contentType))
	if err != nil {
		return nil, fmt.Errorf("%w: item %s failed authenticated decryption", common.ErrorIntegrity, itemID)
	}
	return secret, nil
}

func loadCollection(dir string) (*Collection, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}
	var meta collectionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	if meta.SchemaVersion != metaSchemaVersion {
		return nil, fmt.Errorf("unsupported collection schema version %d", meta.SchemaVersion)
	}

	rawKey, err := os.ReadFile(filepath.Join(dir, sealedKeyFileName))
	if err != nil {
		return nil, err
	}
	var sealed trustanchor.SealedKey
	if err := json.Unmarshal(rawKey, &sealed); err != nil {
		return nil, err
	}

	return &Collection{meta: meta, dir: dir, sealed: &sealed}, nil
}
