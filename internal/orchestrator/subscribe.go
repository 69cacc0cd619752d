package orchestrator

import (
	"context"

	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/ledger"
)

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(name string, handler events.Handler, kinds ...events.Kind)
}

// Subscribe wires the export and reconciliation reactions onto bus.
func (s *Service) Subscribe(bus Subscriber) {
	bus.Subscribe("orchestrator.export", s.onPosted, events.KindPolizaPosted)
	bus.Subscribe("orchestrator.reconcile", s.onBookChanged, events.KindPolizaPosted, events.KindCFDIImported)
}

func (s *Service) onPosted(ctx context.Context, evt events.Event) error {
	posted, ok := evt.(events.PolizaPosted)
	if !ok {
		return nil
	}
	settings, err := s.settings(ctx, posted.CompanyID)
	if err != nil || !settings.ExportEnabled {
		return err
	}
	scope, err := s.tenants.SystemScope(ctx, posted.CompanyID)
	if err != nil {
		return err
	}
	_, err = s.ExportToOdoo(ctx, scope, posted.EntryID)
	return err
}

// onBookChanged reruns matching when new candidates appear. Entries created
// by reconciliation itself are skipped.
func (s *Service) onBookChanged(ctx context.Context, evt events.Event) error {
	if s.reconcile == nil {
		return nil
	}
	if posted, ok := evt.(events.PolizaPosted); ok && posted.SourceModule == ledger.SourceBank {
		return nil
	}
	scope, err := s.tenants.SystemScope(ctx, evt.Company())
	if err != nil {
		return err
	}
	_, err = s.reconcile.Reconcile(ctx, scope)
	return err
}
