package connector

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sync status values.
const (
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// RunSync runs a full sync on every connector that declares the sync
// capability, recording each attempt in the status store. One connector
// failing does not stop the others; the first error is returned after all
// connectors have run.
func RunSync(ctx context.Context, registry *Registry, statuses SyncStatusStore, orgID uuid.UUID, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var firstErr error
	for _, name := range registry.Names() {
		c, err := registry.Get(name)
		if err != nil {
			continue
		}
		if !c.Descriptor().Has(CapSync) {
			continue
		}
		syncer := c.(Syncer)

		st := &SyncStatus{
			ID:        uuid.New(),
			OrgID:     orgID,
			Connector: name,
			Status:    SyncRunning,
			StartedAt: time.Now().UTC(),
		}
		if statuses != nil {
			if err := statuses.Upsert(ctx, st); err != nil {
				logger.Error("recording sync start",
					slog.String("connector", name),
					slog.String("error", err.Error()),
				)
			}
		}

		counts, syncErr := syncer.SyncAll(ctx, orgID)

		done := time.Now().UTC()
		st.CompletedAt = &done
		st.Counts = counts
		if syncErr != nil {
			st.Status = SyncFailed
			st.Error = syncErr.Error()
			if firstErr == nil {
				firstErr = syncErr
			}
			logger.Error("connector sync failed",
				slog.String("connector", name),
				slog.String("error", syncErr.Error()),
			)
		} else {
			st.Status = SyncCompleted
			logger.Info("connector sync completed",
				slog.String("connector", name),
				slog.Any("counts", counts),
			)
		}
		if statuses != nil {
			if err := statuses.Upsert(ctx, st); err != nil {
				logger.Error("recording sync result",
					slog.String("connector", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return firstErr
}
