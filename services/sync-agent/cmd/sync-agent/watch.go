package main

import (
	"context"
	"log/slog"

	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/syncer"
)

func watchFailures(ctx context.Context, p *syncer.Processor, logger *slog.Logger) {
	failures, unsubscribe := p.SubscribeFailures()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-failures:
			if !ok {
				return
			}
			logger.Warn("mutation dead-lettered",
				"mutation_id", f.Mutation.ID,
				"kind", f.Mutation.Kind,
				"appointment_id", f.Mutation.AppointmentID,
				"reason", f.Reason,
			)
		}
	}
}

// refreshOnReconnect pulls the backend's view each time the agent comes online,
// so changes missed while offline reach the cache even with an empty queue.
func refreshOnReconnect(ctx context.Context, m *connectivity.Monitor, svc *syncer.Service) {
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				svc.Refresh(ctx)
			}
		}
	}
}
