package rotation

import (
	"fmt"
	"strings"
	"time"

	"github.com/infrahq/lockbox/uid"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusAborted Status = "aborted"
)

// Outcome is the result of one rotation of one vault.
type Outcome struct {
	RunID            uid.ID
	VaultID          string
	BlobsTotal       int
	BlobsReencrypted int
	BlobsFailed      int
	Status           Status
	OldKeyID         string
	NewKeyID         string
	// ArchivedAs is the archive name of the replaced key.
	ArchivedAs string
	Failures   []BlobFailure
	Started    time.Time
	Duration   time.Duration
}

type BlobFailure struct {
	Blob string
	Err  error
}

func (o *Outcome) fail(blob string, err error) {
	o.BlobsFailed++
	o.Failures = append(o.Failures, BlobFailure{Blob: blob, Err: err})
}

// Err returns a *PartialRotationError when some blobs were not
// re-encrypted, and nil otherwise.
func (o Outcome) Err() error {
	if o.Status != StatusPartial {
		return nil
	}

	return &PartialRotationError{
		VaultID:  o.VaultID,
		Total:    o.BlobsTotal,
		Failed:   o.BlobsFailed,
		Failures: o.Failures,
	}
}

// PartialRotationError reports a rotation that committed the new key but
// left some blobs sealed with older keys.
type PartialRotationError struct {
	VaultID  string
	Total    int
	Failed   int
	Failures []BlobFailure
}

func (e *PartialRotationError) Error() string {
	blobs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		blobs = append(blobs, f.Blob)
	}

	return fmt.Sprintf("rotation of %s left %d of %d blobs on older keys: %s",
		e.VaultID, e.Failed, e.Total, strings.Join(blobs, ", "))
}

// AbortedError reports a rotation that stopped without changing the active
// key.
type AbortedError struct {
	VaultID string
	Step    string
	Err     error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("rotation of %s aborted at %s: %v", e.VaultID, e.Step, e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}
