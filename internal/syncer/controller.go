package syncer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errHasMoreEmptyPage is the anomaly message recorded when Stripe reports
// has_more on a page with no items.
const errHasMoreEmptyPage = "has_more=true with empty page"

// ProcessNext processes one backfill page for the object and reports how
// far it got. A completed or errored object run returns {0, false}
// without side effects; a claim rejected by the concurrency cap returns
// {0, true} so the caller retries later.
func (s *Syncer) ProcessNext(ctx context.Context, accountID, object string, p Params) (Result, error) {
	res, err := registry.Lookup(object)
	if err != nil {
		return Result{}, err
	}

	run, err := s.selectRun(ctx, accountID, p)
	if err != nil {
		return Result{}, err
	}

	if err := s.store.CreateObjectRuns(ctx, accountID, run.StartedAt, []string{object}); err != nil {
		return Result{}, err
	}
	objRun, err := s.store.GetObjectRun(ctx, accountID, run.StartedAt, object)
	if err != nil {
		return Result{}, err
	}
	if objRun == nil {
		return Result{}, fmt.Errorf("object run for %s disappeared after create", object)
	}

	result := Result{RunStartedAt: run.StartedAt}

	switch objRun.Status {
	case store.StatusComplete, store.StatusError:
		return result, nil
	case store.StatusPending:
		started, err := s.store.TryStartObjectSync(ctx, accountID, run.StartedAt, object, run.MaxConcurrent)
		if err != nil {
			return result, err
		}
		if !started {
			// Concurrency cap reached; the page stays pending.
			result.HasMore = true
			return result, nil
		}
	case store.StatusRunning:
		// Picking up the next page of an in-flight traversal.
	}

	processed, hasMore, err := s.fetchOnePage(ctx, accountID, run, objRun, res, p)
	if err != nil {
		if failErr := s.store.FailObjectSync(ctx, accountID, run.StartedAt, object, err.Error()); failErr != nil {
			s.logger.Error("failed to record object sync failure",
				zap.String("object", object), zap.Error(failErr))
		}
		return result, err
	}

	result.Processed = processed
	result.HasMore = hasMore
	return result, nil
}

// EnsureSyncRun joins or creates the account's active sync run and
// returns its start time. The worker calls it when seeding the queue so
// the run's started_at is pinned to the seed tick, not to whenever the
// first message is consumed.
func (s *Syncer) EnsureSyncRun(ctx context.Context, accountID string) (time.Time, error) {
	run, err := s.selectRun(ctx, accountID, Params{})
	if err != nil {
		return time.Time{}, err
	}
	return run.StartedAt, nil
}

// selectRun returns the run named by the caller, or joins/creates the
// account's active run (cancelling stale runs on the way).
func (s *Syncer) selectRun(ctx context.Context, accountID string, p Params) (*store.SyncRun, error) {
	if p.RunStartedAt != nil {
		run, err := s.store.GetActiveSyncRun(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if run != nil && run.StartedAt.Equal(*p.RunStartedAt) {
			return run, nil
		}
		return &store.SyncRun{
			AccountID:     accountID,
			StartedAt:     *p.RunStartedAt,
			MaxConcurrent: s.cfg.MaxConcurrent,
		}, nil
	}
	return s.store.GetOrCreateSyncRun(ctx, accountID, s.cfg.TriggeredBy, s.cfg.MaxConcurrent)
}

// fetchOnePage fetches and applies one page. The has_more/empty-page
// anomaly fails the object run and returns cleanly; real errors propagate
// for the caller to record.
func (s *Syncer) fetchOnePage(ctx context.Context, accountID string, run *store.SyncRun, objRun *store.ObjectRun, res registry.Resource, p Params) (int, bool, error) {
	if res.Sigma != nil {
		if !s.cfg.EnableSigma || s.sigma == nil {
			// Sigma disabled: nothing to fetch, complete immediately.
			if err := s.store.CompleteObjectSync(ctx, accountID, run.StartedAt, res.Name); err != nil {
				return 0, false, err
			}
			return 0, false, nil
		}
		return s.fetchSigmaPage(ctx, accountID, run, objRun, res)
	}

	params, err := s.pageParams(ctx, accountID, run, objRun, res, p)
	if err != nil {
		return 0, false, err
	}

	page, err := s.stripe.ListPage(ctx, res.ListPath, params)
	if err != nil {
		return 0, false, err
	}

	if page.HasMore && len(page.Data) == 0 {
		if err := s.store.FailObjectSync(ctx, accountID, run.StartedAt, res.Name, errHasMoreEmptyPage); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	if err := s.UpsertObjects(ctx, res.Name, accountID, page.Data, s.backfillRelated(p), time.Now()); err != nil {
		return 0, false, err
	}
	if err := s.store.IncrementObjectProgress(ctx, accountID, run.StartedAt, res.Name, len(page.Data)); err != nil {
		return 0, false, err
	}

	if maxCreated := page.MaxCreated(); maxCreated > 0 {
		if err := s.store.UpdateObjectCursor(ctx, accountID, run.StartedAt, res.Name, strconv.FormatInt(maxCreated, 10)); err != nil {
			return 0, false, err
		}
	}

	if page.HasMore {
		if err := s.store.UpdateObjectPageCursor(ctx, accountID, run.StartedAt, res.Name, page.LastID()); err != nil {
			return 0, false, err
		}
		return len(page.Data), true, nil
	}

	if err := s.store.CompleteObjectSync(ctx, accountID, run.StartedAt, res.Name); err != nil {
		return 0, false, err
	}
	return len(page.Data), false, nil
}

// pageParams decides between historical and incremental listing. A live
// page cursor pins the run to its historical traversal; only when none
// exists does the cursor of prior completed runs become a created filter.
func (s *Syncer) pageParams(ctx context.Context, accountID string, run *store.SyncRun, objRun *store.ObjectRun, res registry.Resource, p Params) (stripeclient.PageParams, error) {
	params := stripeclient.PageParams{Limit: s.cfg.PageSize}

	if p.CreatedGTE > 0 || p.CreatedLTE > 0 {
		params.CreatedGTE = p.CreatedGTE
		params.CreatedLTE = p.CreatedLTE
		return params, nil
	}
	if !res.SupportsCreatedFilter {
		return params, nil
	}
	if objRun.PageCursor != nil && *objRun.PageCursor != "" {
		// Mid-historical-backfill: never add created.gte here, or the
		// traversal would collapse to the newest page.
		params.StartingAfter = *objRun.PageCursor
		return params, nil
	}

	lastCursor, err := s.store.GetLastCursorBeforeRun(ctx, accountID, res.Name, run.StartedAt)
	if err != nil {
		return params, err
	}
	if lastCursor != "" {
		if created, err := strconv.ParseInt(lastCursor, 10, 64); err == nil {
			params.CreatedGTE = created
		}
	}
	return params, nil
}

// ProcessUntilDone drains every selected object of the account's active
// run (creating one if needed), then closes the run unconditionally; the
// run's derived status follows from its object states. object may be ""
// to process the whole registry in declared order.
func (s *Syncer) ProcessUntilDone(ctx context.Context, accountID, object string, p Params) error {
	var resources []registry.Resource
	if object != "" {
		res, err := registry.Lookup(object)
		if err != nil {
			return err
		}
		resources = []registry.Resource{res}
	} else {
		resources = registry.Backfillable(s.cfg.EnableSigma)
	}

	run, err := s.selectRun(ctx, accountID, p)
	if err != nil {
		return err
	}
	names := make([]string, len(resources))
	for i, res := range resources {
		names[i] = res.Name
	}
	if err := s.store.CreateObjectRuns(ctx, accountID, run.StartedAt, names); err != nil {
		return err
	}

	runParams := p
	runParams.RunStartedAt = &run.StartedAt

	var firstErr error
	for _, res := range resources {
		var err error
		if res.Name == "payment_method" {
			err = s.processAllPaymentMethods(ctx, accountID, run)
		} else {
			err = s.drainObject(ctx, accountID, res.Name, runParams)
		}
		if err != nil && firstErr == nil {
			// The object run already recorded the failure; keep going so
			// the remaining objects still sync.
			firstErr = err
		}
	}

	if err := s.store.CloseSyncRun(ctx, accountID, run.StartedAt); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Syncer) drainObject(ctx context.Context, accountID, object string, p Params) error {
	for {
		result, err := s.ProcessNext(ctx, accountID, object, p)
		if err != nil {
			return err
		}
		if !result.HasMore {
			return nil
		}
	}
}

// processAllPaymentMethods backfills payment methods per customer, since
// Stripe's list endpoint requires customer context. Customers are walked
// concurrently with a bounded fan-out and progress is checkpointed every
// page.
func (s *Syncer) processAllPaymentMethods(ctx context.Context, accountID string, run *store.SyncRun) error {
	const object = "payment_method"

	objRun, err := s.store.GetObjectRun(ctx, accountID, run.StartedAt, object)
	if err != nil {
		return err
	}
	if objRun != nil && (objRun.Status == store.StatusComplete || objRun.Status == store.StatusError) {
		return nil
	}
	if objRun != nil && objRun.Status == store.StatusPending {
		started, err := s.store.TryStartObjectSync(ctx, accountID, run.StartedAt, object, run.MaxConcurrent)
		if err != nil {
			return err
		}
		if !started {
			// Concurrency cap reached; the object stays pending for a
			// later pass.
			return nil
		}
	}

	customers, err := s.store.ListCustomerIDs(ctx, accountID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentCustomers)
	for _, customerID := range customers {
		customerID := customerID
		g.Go(func() error {
			return s.syncCustomerPaymentMethods(gctx, accountID, run, customerID)
		})
	}
	if err := g.Wait(); err != nil {
		if failErr := s.store.FailObjectSync(ctx, accountID, run.StartedAt, object, err.Error()); failErr != nil {
			s.logger.Error("failed to record payment_method sync failure", zap.Error(failErr))
		}
		return err
	}

	return s.store.CompleteObjectSync(ctx, accountID, run.StartedAt, object)
}

func (s *Syncer) syncCustomerPaymentMethods(ctx context.Context, accountID string, run *store.SyncRun, customerID string) error {
	startingAfter := ""
	for {
		page, err := s.stripe.ListPage(ctx, "/v1/payment_methods", stripeclient.PageParams{
			Limit:         s.cfg.PageSize,
			StartingAfter: startingAfter,
			Extra:         url.Values{"customer": []string{customerID}},
		})
		if err != nil {
			return fmt.Errorf("failed to list payment methods for %s: %w", customerID, err)
		}
		if len(page.Data) > 0 {
			if err := s.UpsertObjects(ctx, "payment_method", accountID, page.Data, false, time.Now()); err != nil {
				return err
			}
			if err := s.store.IncrementObjectProgress(ctx, accountID, run.StartedAt, "payment_method", len(page.Data)); err != nil {
				return err
			}
		}
		if !page.HasMore || len(page.Data) == 0 {
			return nil
		}
		startingAfter = page.LastID()
	}
}
