// Package rotation replaces the key of each vault and re-encrypts every
// blob in it under the new key.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/repeat"
	"github.com/infrahq/lockbox/internal/substrate"
	"github.com/infrahq/lockbox/internal/vault"
	"github.com/infrahq/lockbox/metrics"
	"github.com/infrahq/lockbox/secrets"
	"github.com/infrahq/lockbox/uid"
)

// rotateSuffix marks the temporary copy of a blob being rewritten. It must
// not end in vault.BlobSuffix.
const rotateSuffix = ".rotate"

type WorkerOptions struct {
	// CommitBackOff paces retries of the key commit. The commit is given up,
	// and the rotation rolled back, when the backoff stops.
	CommitBackOff func() backoff.BackOff
}

func defaultCommitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return b
}

// Worker rotates one vault at a time. A Worker may be shared by many
// goroutines; the vault lock keeps two rotations of one vault apart.
type Worker struct {
	substrate substrate.Substrate
	keys      keystore.KeyStore
	locks     *vault.Locks
	audit     audit.Recorder
	opts      WorkerOptions
}

func NewWorker(sub substrate.Substrate, keys keystore.KeyStore, locks *vault.Locks, rec audit.Recorder, opts WorkerOptions) *Worker {
	if opts.CommitBackOff == nil {
		opts.CommitBackOff = defaultCommitBackOff
	}

	return &Worker{
		substrate: sub,
		keys:      keys,
		locks:     locks,
		audit:     rec,
		opts:      opts,
	}
}

// Rotate generates a new key for vaultID, re-encrypts every blob with it,
// and makes it the active key. Blobs that cannot be re-encrypted are
// skipped and reported in the outcome; they stay readable with the key that
// sealed them, which is kept in the archive.
//
// The error is an *AbortedError when the rotation stopped without changing
// the active key. Cancelling ctx before any blob was rewritten aborts the
// rotation. After that, the blobs not yet rewritten are counted as failed
// and the new key is still committed.
func (w *Worker) Rotate(ctx context.Context, vaultID string) (Outcome, error) {
	out := Outcome{
		RunID:   uid.New(),
		VaultID: vaultID,
		Started: time.Now().UTC(),
	}

	err := w.rotate(ctx, &out)
	if err != nil {
		out.Status = StatusAborted
	}

	out.Duration = time.Since(out.Started)
	w.report(ctx, out, err)

	return out, err
}

// Skip reports vaultID as aborted at step without touching the vault, the
// way Rotate reports a rotation that stopped.
func (w *Worker) Skip(ctx context.Context, vaultID, step string, cause error) Outcome {
	out := Outcome{
		RunID:   uid.New(),
		VaultID: vaultID,
		Status:  StatusAborted,
		Started: time.Now().UTC(),
	}

	w.report(ctx, out, &AbortedError{VaultID: vaultID, Step: step, Err: cause})

	return out
}

func (w *Worker) rotate(ctx context.Context, out *Outcome) error {
	vaultID := out.VaultID

	abort := func(step string, err error) error {
		return &AbortedError{VaultID: vaultID, Step: step, Err: err}
	}

	release, err := w.locks.Exclusive(ctx, vaultID)
	if err != nil {
		return abort("lock", err)
	}
	defer release()

	oldKey, err := w.keys.ActiveKey(ctx, vaultID)
	if err != nil {
		return abort("load key", err)
	}
	defer oldKey.Destroy()

	out.OldKeyID = oldKey.ID

	newKey, err := secrets.GenerateKey()
	if err != nil {
		return abort("generate key", err)
	}
	defer newKey.Destroy()

	out.NewKeyID = newKey.ID()

	names, err := vault.ListBlobs(ctx, w.substrate, vaultID)
	if err != nil {
		return abort("list blobs", err)
	}

	out.BlobsTotal = len(names)

	// originals keeps the ciphertext of every rewritten blob until the new
	// key is committed
	originals := make(map[string][]byte, len(names))

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			if len(originals) == 0 {
				return abort("reencrypt", err)
			}

			for _, rest := range names[i:] {
				out.fail(rest, err)
			}

			break
		}

		original, err := w.reencrypt(ctx, vaultID, name, oldKey, newKey)
		if err != nil {
			logging.L.Warn("blob not re-encrypted",
				zap.String("vault", vaultID), zap.String("blob", name), zap.Error(err))
			out.fail(name, err)

			continue
		}

		originals[name] = original
		out.BlobsReencrypted++
	}

	// rewritten blobs are only readable once the new key is committed, so
	// the commit must not be cut short
	commitCtx := context.WithoutCancel(ctx)

	var archived *keystore.Key

	waiter := repeat.NewWaiter(w.opts.CommitBackOff())
	err = waiter.Retry(commitCtx, func() error {
		var err error
		archived, err = w.keys.SetActiveKey(commitCtx, vaultID, newKey)
		return err
	})
	switch {
	case err == nil:
	case w.isActive(commitCtx, vaultID, newKey.ID()):
		logging.L.Warn("new key committed despite error",
			zap.String("vault", vaultID), zap.Error(err))
	default:
		// the old key is either active or archived, so the original
		// ciphertexts stay readable whatever the commit left behind
		w.restore(commitCtx, vaultID, originals)
		out.BlobsReencrypted = 0

		return abort("commit", err)
	}

	if archived != nil {
		out.ArchivedAs = archived.Name
		archived.Destroy()
	}

	out.Status = StatusSuccess
	if out.BlobsFailed > 0 {
		out.Status = StatusPartial
	}

	return nil
}

// reencrypt rewrites one blob under newKey and returns its previous
// ciphertext.
func (w *Worker) reencrypt(ctx context.Context, vaultID, name string, oldKey *keystore.Key, newKey *secrets.SymmetricKey) ([]byte, error) {
	sealed, err := w.substrate.CopyOut(ctx, vaultID, vault.BlobPath(name))
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	var plain []byte

	if keyID, err := secrets.SealedKeyID(sealed); err == nil && keyID == oldKey.ID {
		plain, err = secrets.Unseal(oldKey.SymmetricKey(), sealed)
		if err != nil {
			return nil, err
		}
	} else {
		// left on an archived key by an earlier partial rotation
		plain, err = vault.Open(ctx, w.keys, vaultID, name, sealed)
		if err != nil {
			return nil, err
		}
	}

	resealed, err := secrets.Seal(newKey, plain)
	if err != nil {
		return nil, err
	}

	if err := w.writeBlob(ctx, vaultID, name, resealed); err != nil {
		return nil, fmt.Errorf("writing: %w", err)
	}

	return sealed, nil
}

func (w *Worker) writeBlob(ctx context.Context, vaultID, name string, content []byte) error {
	target := vault.BlobPath(name)
	tmp := target + rotateSuffix

	if err := w.substrate.CopyIn(ctx, vaultID, tmp, content); err != nil {
		return err
	}

	if err := substrate.Rename(ctx, w.substrate, vaultID, tmp, target); err != nil {
		if rerr := substrate.RemoveFiles(context.WithoutCancel(ctx), w.substrate, vaultID, tmp); rerr != nil {
			logging.Warnf("removing %s of %s: %v", tmp, vaultID, rerr)
		}

		return err
	}

	return nil
}

// isActive reports whether keyID is known to be the active key of vaultID.
func (w *Worker) isActive(ctx context.Context, vaultID, keyID string) bool {
	active, err := w.keys.ActiveKey(ctx, vaultID)
	if err != nil {
		return false
	}
	defer active.Destroy()

	return active.ID == keyID
}

// restore puts back the original ciphertext of every rewritten blob.
func (w *Worker) restore(ctx context.Context, vaultID string, originals map[string][]byte) {
	for name, original := range originals {
		if err := w.writeBlob(ctx, vaultID, name, original); err != nil {
			// the blob is sealed with a key that was never committed
			logging.L.Error("restoring blob after failed commit",
				zap.String("vault", vaultID), zap.String("blob", name), zap.Error(err))
		}
	}
}

func (w *Worker) report(ctx context.Context, out Outcome, err error) {
	metrics.RotationsTotal.WithLabelValues(string(out.Status)).Inc()
	metrics.RotationDuration.Observe(out.Duration.Seconds())
	metrics.BlobsReencrypted.Add(float64(out.BlobsReencrypted))
	metrics.BlobsFailed.Add(float64(out.BlobsFailed))

	if err == nil {
		err = out.Err()
	}

	event := audit.NewEvent(audit.ActionRotation, out.VaultID, err)
	event.Status = string(out.Status)
	event.BlobsTotal = out.BlobsTotal
	event.BlobsReencrypted = out.BlobsReencrypted
	event.BlobsFailed = out.BlobsFailed
	w.audit.Record(ctx, event)

	fields := []zap.Field{
		zap.Stringer("run", out.RunID),
		zap.String("vault", out.VaultID),
		zap.String("status", string(out.Status)),
		zap.Int("blobsTotal", out.BlobsTotal),
		zap.Int("blobsReencrypted", out.BlobsReencrypted),
		zap.Int("blobsFailed", out.BlobsFailed),
		zap.String("oldKey", out.OldKeyID),
		zap.String("newKey", out.NewKeyID),
		zap.Duration("elapsed", out.Duration),
	}

	var aerr *AbortedError

	switch {
	case errors.As(err, &aerr):
		logging.L.Error("rotation aborted", append(fields, zap.String("step", aerr.Step), zap.Error(aerr.Err))...)
	case err != nil:
		logging.L.Warn("rotation partial", append(fields, zap.Error(err))...)
	default:
		logging.L.Info("rotation complete", fields...)
	}
}
