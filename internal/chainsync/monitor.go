package chainsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/metrics"
	"agrimarket/internal/repository"
)

// Enqueuer schedules a listing for another publication attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, listingID int64) error
}

// Monitor compares published listings with the contract and republishes
// the ones whose price or stock diverged.
type Monitor struct {
	listings repository.ListingRepository
	contract ledger.Contract
	queue    Enqueuer
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
}

func NewMonitor(listings repository.ListingRepository, contract ledger.Contract, queue Enqueuer, m *metrics.Metrics, logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{listings: listings, contract: contract, queue: queue, metrics: m, logger: logger}
}

// Report summarises one monitoring pass.
type Report struct {
	Checked int
	Drifted int
	Retried int
}

// Check runs one pass. Failed listings are retried as well.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	var report Report

	published, err := m.listings.ListByChainStatus(ctx, domain.ChainStatusPublished)
	if err != nil {
		return report, err
	}
	for i := range published {
		l := &published[i]
		report.Checked++
		drifted, err := m.drifted(ctx, l)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			m.logger.WithField("listing_id", l.ID).Warnf("read product: %v", err)
			continue
		}
		if !drifted {
			continue
		}
		report.Drifted++
		if err := m.listings.UpdateChainState(ctx, l.ID, domain.ChainStatusPending, 0, "ledger drift detected"); err != nil {
			return report, err
		}
		m.requeue(ctx, l.ID)
	}
	m.metrics.SetLedgerDrift(report.Drifted)

	failed, err := m.listings.ListByChainStatus(ctx, domain.ChainStatusFailed)
	if err != nil {
		return report, err
	}
	for i := range failed {
		report.Retried++
		m.requeue(ctx, failed[i].ID)
	}

	if report.Drifted > 0 || report.Retried > 0 {
		m.logger.WithFields(logrus.Fields{
			"checked": report.Checked,
			"drifted": report.Drifted,
			"retried": report.Retried,
		}).Info("ledger monitor pass")
	}
	return report, nil
}

func (m *Monitor) drifted(ctx context.Context, l *domain.Listing) (bool, error) {
	if l.ChainProductID == 0 {
		return true, nil
	}
	product, err := m.contract.Product(ctx, l.ChainProductID)
	if errors.Is(err, ledger.ErrProductNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("product %d: %w", l.ChainProductID, err)
	}
	stock := l.Quantity
	if l.Status == domain.ListingStatusArchived {
		stock = 0
	}
	return product.Price != l.PriceCents || product.Stock != stock, nil
}

func (m *Monitor) requeue(ctx context.Context, listingID int64) {
	if err := m.queue.Enqueue(ctx, listingID); err != nil {
		m.logger.WithField("listing_id", listingID).Errorf("requeue listing: %v", err)
	}
}
