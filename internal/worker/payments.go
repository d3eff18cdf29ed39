// Package worker runs the background jobs: payment polling, the midnight
// daily-bonus reset and the engagement messages.
package worker

import (
	"context"
	"log/slog"
	"time"
)

type PaymentSyncer interface {
	SyncPending(ctx context.Context) (int, error)
}

// PaymentPoller checks unsettled payments with the provider on a fixed
// interval, as a fallback for missed webhooks.
type PaymentPoller struct {
	syncer   PaymentSyncer
	interval time.Duration
	log      *slog.Logger
}

func NewPaymentPoller(syncer PaymentSyncer, interval time.Duration, log *slog.Logger) *PaymentPoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PaymentPoller{syncer: syncer, interval: interval, log: log.With("component", "payment_poller")}
}

// Run polls until ctx is done.
func (p *PaymentPoller) Run(ctx context.Context) error {
	p.log.Info("payment poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("payment poller stopped")
			return nil
		case <-ticker.C:
			n, err := p.syncer.SyncPending(ctx)
			if err != nil {
				p.log.Error("sync pending payments", "err", err)
				continue
			}
			if n > 0 {
				p.log.Debug("pending payments checked", "count", n)
			}
		}
	}
}
