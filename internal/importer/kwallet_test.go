package importer

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linux-tks/tks/internal/common"
	"github.com/linux-tks/tks/internal/logging"
	"github.com/linux-tks/tks/internal/storage"
)

const sampleExport = `<wallet name="kdewallet">
  <folder name="Passwords">
    <password name="mail">token123</password>
    <password name="web">hunter2</password>
    <map name="account">
      <mapvalue name="user">alice</mapvalue>
      <mapvalue name="host">example.org</mapvalue>
    </map>
  </folder>
  <folder name="Binary">
    <stream name="blob">aGVsbG8=</stream>
  </folder>
</wallet>`

type putCall struct {
	label       string
	attributes  map[string]string
	secret      []byte
	contentType string
	replace     bool
}

type fakeWriter struct {
	calls []putCall
}

func (w *fakeWriter) PutItem(_ context.Context, _ uuid.UUID, label string,
	attributes map[string]string, secret []byte, contentType string, replace bool) (storage.Item, bool, error) {
	w.calls = append(w.calls, putCall{
		label:       label,
		attributes:  attributes,
		secret:      append([]byte(nil), secret...),
		contentType: contentType,
		replace:     replace,
	})
	return storage.Item{ID: uuid.New(), Label: label}, false, nil
}

func TestKWalletImport(t *testing.T) {
	w := &fakeWriter{}
	count, err := KWallet(context.Background(), strings.NewReader(sampleExport), w, uuid.New(), logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	require.Len(t, w.calls, 4)

	byLabel := make(map[string]putCall)
	for _, c := range w.calls {
		byLabel[c.label] = c
		assert.True(t, c.replace, "imports overwrite earlier runs")
	}

	mail := byLabel["Passwords/mail"]
	assert.Equal(t, []byte("token123"), mail.secret)
	assert.Equal(t, "text/plain", mail.contentType)
	assert.Equal(t, "Passwords", mail.attributes[AttrFolder])
	assert.Equal(t, "password", mail.attributes[AttrType])
	assert.Equal(t, "mail", mail.attributes[AttrEntry])

	account := byLabel["Passwords/account"]
	assert.Equal(t, "application/json", account.contentType)
	assert.JSONEq(t, `{"user":"alice","host":"example.org"}`, string(account.secret))

	blob := byLabel["Binary/blob"]
	decoded, _ := base64.StdEncoding.DecodeString("aGVsbG8=")
	assert.Equal(t, decoded, blob.secret)
	assert.Equal(t, "application/octet-stream", blob.contentType)
}

func TestKWalletImportSkipsBadStreams(t *testing.T) {
	const export = `<wallet name="w">
  <folder name="Binary">
    <stream name="bad">%%%not-base64%%%</stream>
    <stream name="good">aGVsbG8=</stream>
  </folder>
</wallet>`
	w := &fakeWriter{}
	count, err := KWallet(context.Background(), strings.NewReader(export), w, uuid.New(), logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestKWalletImportRejectsGarbage(t *testing.T) {
	w := &fakeWriter{}
	_, err := KWallet(context.Background(), strings.NewReader("not xml at all"), w, uuid.New(), logging.Nop())
	assert.ErrorIs(t, err, common.ErrorParameter)
}
