package readmodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
)

// RepairBatchSize is the write-model page size of the repair tools.
const RepairBatchSize = 100

// SyncOrderReadModel recomputes one view from the write model. An order
// that no longer exists has its view removed and reports ErrNotFound.
func (s *Synchronizer) SyncOrderReadModel(ctx context.Context, orderID string) error {
	var orphaned bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		orphaned, err = s.project(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("readmodel: sync %s: %w", orderID, err)
	}
	if orphaned {
		return fmt.Errorf("readmodel: sync %s: %w", orderID, ErrNotFound)
	}
	return nil
}

// SyncAllOrders recomputes every view, paging through the write model. It
// keeps going past individual failures and returns them joined.
func (s *Synchronizer) SyncAllOrders(ctx context.Context) (int, error) {
	var (
		synced int
		errs   []error
		after  string
	)
	for {
		page, err := s.write.List(ctx, after, RepairBatchSize)
		if err != nil {
			return synced, fmt.Errorf("readmodel: sync all: %w", err)
		}
		for _, o := range page {
			if err := s.SyncOrderReadModel(ctx, o.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			synced++
		}
		if len(page) < RepairBatchSize {
			break
		}
		after = page[len(page)-1].ID
	}
	s.logger.InfoContext(ctx, "read model resynchronized", "orders", synced, "failures", len(errs))
	return synced, errors.Join(errs...)
}

// CheckDataConsistency compares every write row with its view and every
// view with its write row.
func (s *Synchronizer) CheckDataConsistency(ctx context.Context) ([]Inconsistency, error) {
	var out []Inconsistency

	after := ""
	for {
		page, err := s.write.List(ctx, after, RepairBatchSize)
		if err != nil {
			return nil, fmt.Errorf("readmodel: check: %w", err)
		}
		for i := range page {
			o := &page[i]
			view, err := s.store.Get(ctx, o.ID)
			if errors.Is(err, ErrNotFound) {
				out = append(out, Inconsistency{OrderID: o.ID, Kind: MissingRead})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("readmodel: check: %w", err)
			}
			out = append(out, diff(Project(o, s.now()), *view)...)
		}
		if len(page) < RepairBatchSize {
			break
		}
		after = page[len(page)-1].ID
	}

	after = ""
	for {
		views, err := s.store.List(ctx, after, RepairBatchSize)
		if err != nil {
			return nil, fmt.Errorf("readmodel: check: %w", err)
		}
		for _, v := range views {
			_, err := s.write.Load(ctx, s.db, v.OrderID)
			if errors.Is(err, order.ErrNotFound) {
				out = append(out, Inconsistency{OrderID: v.OrderID, Kind: OrphanRead})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("readmodel: check: %w", err)
			}
		}
		if len(views) < RepairBatchSize {
			break
		}
		after = views[len(views)-1].OrderID
	}
	return out, nil
}

// RepairInconsistentData fixes what CheckDataConsistency finds: missing and
// diverged views are recomputed, orphan views deleted.
func (s *Synchronizer) RepairInconsistentData(ctx context.Context) (RepairReport, error) {
	issues, err := s.CheckDataConsistency(ctx)
	if err != nil {
		return RepairReport{}, err
	}

	report := RepairReport{Found: len(issues)}
	done := make(map[string]bool, len(issues))
	for _, issue := range issues {
		if done[issue.OrderID] {
			continue
		}
		done[issue.OrderID] = true

		switch issue.Kind {
		case OrphanRead:
			if _, err := s.store.deleteView(ctx, s.db, issue.OrderID); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.Deleted++
		default:
			err := s.SyncOrderReadModel(ctx, issue.OrderID)
			switch {
			case errors.Is(err, ErrNotFound):
				report.Deleted++
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
			default:
				report.Repaired++
			}
		}
	}

	s.logger.InfoContext(ctx, "read model repaired",
		"found", report.Found, "repaired", report.Repaired, "deleted", report.Deleted, "failed", report.Failed)
	return report, nil
}
