// Package audit records the security relevant actions taken on vaults.
package audit

import (
	"context"
	"time"

	"github.com/infrahq/lockbox/uid"
)

type Action string

const (
	ActionVaultCreated Action = "vault_created"
	ActionVaultDeleted Action = "vault_deleted"
	ActionUpload       Action = "upload"
	ActionDownload     Action = "download"
	ActionRotation     Action = "rotation"
)

type Event struct {
	ID      uid.ID    `gorm:"primaryKey;autoIncrement:false"`
	Time    time.Time `gorm:"index"`
	Action  Action    `gorm:"index"`
	VaultID string    `gorm:"index"`
	Blob    string
	Success bool
	// Status is set for rotations: success, partial or aborted.
	Status string
	Error  string

	BlobsTotal       int
	BlobsReencrypted int
	BlobsFailed      int
}

// NewEvent returns an event for action on vaultID, with a new ID and the
// current time. err, when not nil, marks the event as failed.
func NewEvent(action Action, vaultID string, err error) Event {
	e := Event{
		ID:      uid.New(),
		Time:    time.Now().UTC(),
		Action:  action,
		VaultID: vaultID,
		Success: err == nil,
	}

	if err != nil {
		e.Error = err.Error()
	}

	return e
}

// Recorder receives audit events. Recording never fails the action being
// audited: a Recorder logs its own errors.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Multi sends every event to each recorder in turn.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event Event) {
	for _, r := range m {
		r.Record(ctx, event)
	}
}

// Discard drops every event.
var Discard Recorder = Multi(nil)
