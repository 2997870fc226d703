package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gorm.io/gorm"

	"github.com/infrahq/lockbox/internal/logging"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	driver, err := NewSQLiteDriver("file::memory:")
	assert.NilError(t, err)

	db, err := NewDB(driver)
	assert.NilError(t, err)

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		assert.NilError(t, err)
		assert.NilError(t, sqlDB.Close())
	})

	return db
}

type captureRecorder struct {
	events []Event
}

func (c *captureRecorder) Record(_ context.Context, e Event) {
	c.events = append(c.events, e)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(ActionUpload, "vault_alice", nil)
	assert.Assert(t, e.Success)
	assert.Equal(t, e.Error, "")
	assert.Assert(t, e.ID != 0)
	assert.Assert(t, !e.Time.IsZero())

	e = NewEvent(ActionDownload, "vault_alice", errors.New("ciphertext failed authentication"))
	assert.Assert(t, !e.Success)
	assert.Equal(t, e.Error, "ciphertext failed authentication")
}

func TestMulti(t *testing.T) {
	a, b := &captureRecorder{}, &captureRecorder{}
	m := Multi{a, b}

	m.Record(context.Background(), NewEvent(ActionVaultCreated, "vault_alice", nil))

	assert.Equal(t, len(a.events), 1)
	assert.Equal(t, len(b.events), 1)

	Discard.Record(context.Background(), NewEvent(ActionVaultCreated, "vault_alice", nil))
}

func TestLogRecorder(t *testing.T) {
	buf := &bytes.Buffer{}
	logging.PatchLogger(t, buf)

	e := NewEvent(ActionRotation, "vault_alice", nil)
	e.Status = "partial"
	e.BlobsTotal, e.BlobsReencrypted, e.BlobsFailed = 3, 2, 1

	LogRecorder{}.Record(context.Background(), e)

	m := map[string]interface{}{}
	assert.NilError(t, json.Unmarshal(buf.Bytes(), &m), buf.String())
	assert.Equal(t, m["msg"], "audit")
	assert.Equal(t, m["action"], "rotation")
	assert.Equal(t, m["vault"], "vault_alice")
	assert.Equal(t, m["status"], "partial")
	assert.Equal(t, m["blobsFailed"], float64(1))
	assert.Equal(t, m["id"], e.ID.String())

	buf.Reset()
	LogRecorder{}.Record(context.Background(), NewEvent(ActionDownload, "vault_bob", errors.New("boom")))
	assert.Assert(t, is.Contains(buf.String(), `"level":"warn"`))
	assert.Assert(t, is.Contains(buf.String(), `"error":"boom"`))
}

func TestDBRecorder(t *testing.T) {
	db := setupDB(t)
	r := NewDBRecorder(db)
	ctx := context.Background()

	created := NewEvent(ActionVaultCreated, "vault_alice", nil)
	r.Record(ctx, created)

	upload := NewEvent(ActionUpload, "vault_alice", nil)
	upload.Blob = "report.pdf"
	r.Record(ctx, upload)

	rotation := NewEvent(ActionRotation, "vault_bob", nil)
	rotation.Status = "success"
	rotation.BlobsTotal, rotation.BlobsReencrypted = 4, 4
	r.Record(ctx, rotation)

	events, err := r.List(ctx, ListOptions{})
	assert.NilError(t, err)
	assert.Equal(t, len(events), 3)
	assert.Equal(t, events[0].ID, rotation.ID, "newest first")

	events, err = r.List(ctx, ListOptions{VaultID: "vault_alice"})
	assert.NilError(t, err)
	assert.Equal(t, len(events), 2)

	events, err = r.List(ctx, ListOptions{Action: ActionUpload})
	assert.NilError(t, err)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Blob, "report.pdf")
	assert.Equal(t, events[0].VaultID, "vault_alice")

	events, err = r.List(ctx, ListOptions{Action: ActionRotation})
	assert.NilError(t, err)
	assert.Equal(t, events[0].Status, "success")
	assert.Equal(t, events[0].BlobsReencrypted, 4)

	events, err = r.List(ctx, ListOptions{Limit: 1})
	assert.NilError(t, err)
	assert.Equal(t, len(events), 1)
}

func TestDBRecorder_RecordsAfterCancel(t *testing.T) {
	db := setupDB(t)
	r := NewDBRecorder(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.Record(ctx, NewEvent(ActionDownload, "vault_alice", nil))

	events, err := r.List(context.Background(), ListOptions{})
	assert.NilError(t, err)
	assert.Equal(t, len(events), 1)
}
