package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/infrahq/lockbox/internal/logging"
)

// LogRecorder writes each event as a structured log line.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.Stringer("id", e.ID),
		zap.String("action", string(e.Action)),
		zap.String("vault", e.VaultID),
		zap.Bool("success", e.Success),
	}

	if e.Blob != "" {
		fields = append(fields, zap.String("blob", e.Blob))
	}

	if e.Action == ActionRotation {
		fields = append(fields,
			zap.String("status", e.Status),
			zap.Int("blobsTotal", e.BlobsTotal),
			zap.Int("blobsReencrypted", e.BlobsReencrypted),
			zap.Int("blobsFailed", e.BlobsFailed),
		)
	}

	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
		logging.L.Warn("audit", fields...)

		return
	}

	logging.L.Info("audit", fields...)
}
