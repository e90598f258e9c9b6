package notify

import (
	"context"
	"fmt"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/store"
)

// procedureParams are the mail procedure's parameters, bound in this order
// to sender, recipient, subject and message.
var procedureParams = []string{"PSENDER", "PRECIPIENT", "PSUBJECT", "PMESSAGE"}

// Procedure raises alerts by calling a mail procedure in the ERP store.
type Procedure struct {
	store store.Store
	cfg   config.AlertProcedureConfig
}

// NewProcedure creates a Procedure notifier calling cfg.Procedure on s.
func NewProcedure(s store.Store, cfg config.AlertProcedureConfig) *Procedure {
	return &Procedure{store: s, cfg: cfg}
}

// IsEnabled reports whether alerts are configured.
func (p *Procedure) IsEnabled() bool {
	return p.cfg.Enabled && p.cfg.Recipient != ""
}

func (p *Procedure) CycleFailed(ctx context.Context, r FailureReport) error {
	if !p.IsEnabled() {
		return nil
	}
	sender := p.cfg.Sender
	if sender == "" {
		sender = p.cfg.Recipient
	}

	call := p.store.Dialect().ProcedureCall(p.cfg.Procedure, procedureParams)
	if _, err := p.store.Exec(ctx, call, sender, p.cfg.Recipient, p.cfg.Subject, Message(r)); err != nil {
		return fmt.Errorf("calling %s: %w", p.cfg.Procedure, err)
	}
	return nil
}

// CycleCompleted is a no-op; the mail procedure only carries failures.
func (p *Procedure) CycleCompleted(context.Context, Summary) error {
	return nil
}
