package emr

import (
	"context"
	"fmt"
	"time"

	"github.com/quickclinic/booking-platform/internal/observability/metrics"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// Puller is the slice of the EMR client the engine pulls through.
type Puller interface {
	Pull(ctx context.Context, resource string, modifiedSince time.Time, page int) (*Page, error)
}

// Merger applies one pulled item to the local mirror. Implementations carry
// the merge rule: insert if unseen, full overwrite when last_modified moved.
type Merger interface {
	Merge(ctx context.Context, item Item) error
}

// cursorStore is the persistence surface for pull bookmarks.
type cursorStore interface {
	Get(ctx context.Context, resourceKey string) (Cursor, error)
	Save(ctx context.Context, cur Cursor) error
}

// SyncEngine runs cursor pulls: bounded pages per invocation, resume from a
// persisted in-progress page, and batch-level de-duplication by external id.
type SyncEngine struct {
	client     Puller
	cursors    cursorStore
	mergers    map[string]Merger
	pageBudget int
	metrics    *metrics.SyncMetrics
	logger     *logging.Logger
	now        func() time.Time
}

// NewSyncEngine wires the pull side of EMR synchronization. mergers maps
// resource keys to their mirror handlers.
func NewSyncEngine(client Puller, cursors cursorStore, mergers map[string]Merger, pageBudget int, m *metrics.SyncMetrics, logger *logging.Logger) *SyncEngine {
	if logger == nil {
		logger = logging.Default()
	}
	if pageBudget <= 0 {
		pageBudget = 5
	}
	return &SyncEngine{
		client:     client,
		cursors:    cursors,
		mergers:    mergers,
		pageBudget: pageBudget,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// PullAll runs one pull for every registered resource. Errors are logged and
// do not stop other resources; the first error is returned.
func (e *SyncEngine) PullAll(ctx context.Context) error {
	var firstErr error
	for resource := range e.mergers {
		if err := e.Pull(ctx, resource); err != nil {
			e.logger.Error("cursor pull failed", "resource", resource, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Pull consumes up to pageBudget pages for one resource. The cursor's
// LastModified advances only when the pass finishes with no pages
// outstanding; otherwise the in-progress page is persisted so the next
// invocation resumes instead of skipping or re-reading from scratch.
func (e *SyncEngine) Pull(ctx context.Context, resource string) error {
	merger := e.mergers[resource]
	if merger == nil {
		return fmt.Errorf("emr: no merger registered for %s", resource)
	}

	started := e.now()
	defer func() {
		e.metrics.ObservePullLatency(resource, e.now().Sub(started).Seconds())
	}()

	cur, err := e.cursors.Get(ctx, resource)
	if err != nil {
		return err
	}

	page := 1
	if cur.LastPage != nil && *cur.LastPage > 1 {
		page = *cur.LastPage
	}

	seen := make(map[string]bool)
	highWater := cur.LastModified

	for consumed := 0; consumed < e.pageBudget; consumed++ {
		result, err := e.client.Pull(ctx, resource, cur.LastModified, page)
		if err != nil {
			return err
		}
		e.metrics.ObservePullPage(resource)

		for _, item := range result.Items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			if err := merger.Merge(ctx, item); err != nil {
				return fmt.Errorf("emr: merge %s/%s: %w", resource, item.ID, err)
			}
			if item.LastModified.After(highWater) {
				highWater = item.LastModified
			}
		}

		if result.Pager == nil || page >= result.Pager.Pages {
			// Full pass complete: the high-water mark may advance.
			return e.cursors.Save(ctx, Cursor{
				ResourceKey:  resource,
				LastModified: highWater,
			})
		}
		page++
	}

	// Budget exhausted mid-pull: keep the old mark, resume at this page.
	e.logger.Debug("pull paused at page budget", "resource", resource, "next_page", page)
	return e.cursors.Save(ctx, Cursor{
		ResourceKey:  resource,
		LastModified: cur.LastModified,
		LastPage:     &page,
	})
}
