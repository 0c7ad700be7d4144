// Package importer loads secrets exported from other keyring
// implementations into a collection. Currently it reads the KWallet
// XML export format.
package importer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/storage"
)

// ItemWriter is the slice of the storage engine the importer writes
// through.
type ItemWriter interface {
	PutItem(ctx context.Context, collectionID uuid.UUID, label string,
		attributes map[string]string, secret []byte, contentType string, replace bool) (storage.Item, bool, error)
}

// Attribute keys stamped on every imported item, so imports are
// traceable and re-runnable.
const (
	AttrFolder = "kwallet:folder"
	AttrType   = "kwallet:type"
	AttrEntry  = "kwallet:entry"
)

type walletXML struct {
	XMLName xml.Name    `xml:"wallet"`
	Name    string      `xml:"name,attr"`
	Folders []folderXML `xml:"folder"`
}

type folderXML struct {
	Name      string     `xml:"name,attr"`
	Passwords []entryXML `xml:"password"`
	Streams   []entryXML `xml:"stream"`
	Maps      []mapXML   `xml:"map"`
}

type entryXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type mapXML struct {
	Name   string        `xml:"name,attr"`
	Values []mapValueXML `xml:"mapvalue"`
}

type mapValueXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// KWallet imports a KWallet XML export into the given collection,
// which must be unlocked. Entries already imported before are
// overwritten, so re-running an import converges. Returns the number
// of imported items.
func KWallet(ctx context.Context, r io.Reader, store ItemWriter, collectionID uuid.UUID, logger logging.Logger) (int, error) {
	var wallet walletXML
	if err := xml.NewDecoder(r).Decode(&wallet); err != nil {
		return 0, fmt.Errorf("%w: parsing wallet export: %v", common.ErrorParameter, err)
	}

	count := 0
	put := func(folder, entry, kind string, secret []byte, contentType string) error {
		attrs := map[string]string{
			AttrFolder: folder,
			AttrType:   kind,
			AttrEntry:  entry,
		}
		label := folder + "/" + entry
		if _, _, err := store.PutItem(ctx, collectionID, label, attrs, secret, contentType, true); err != nil {
			return fmt.Errorf("importing %s: %w", label, err)
		}
		count++
		return nil
	}

	for _, folder := range wallet.Folders {
		for _, pw := range folder.Passwords {
			if err := put(folder.Name, pw.Name, "password", []byte(pw.Value), "text/plain"); err != nil {
				return count, err
			}
		}
		for _, stream := range folder.Streams {
			raw, err := base64.StdEncoding.DecodeString(stream.Value)
			if err != nil {
				logger.Warn(ctx, "skipping undecodable stream entry",
					"folder", folder.Name, "entry", stream.Name, "error", err.Error())
				continue
			}
			if err := put(folder.Name, stream.Name, "stream", raw, "application/octet-stream"); err != nil {
				return count, err
			}
		}
		for _, m := range folder.Maps {
			values := make(map[string]string, len(m.Values))
			for _, v := range m.Values {
				values[v.Name] = v.Value
			}
			encoded, err := json.Marshal(values)
			if err != nil {
				return count, err
			}
			if err := put(folder.Name, m.Name, "map", encoded, "application/json"); err != nil {
				return count, err
			}
		}
	}

	logger.Info(ctx, "wallet import finished", "wallet", wallet.Name, "items", count)
	return count, nil
}
