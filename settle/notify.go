package settle

import (
	"context"
	"log/slog"

	"github.com/Dream-Voyage/v402-sub000/ledger"
)

// Notifier observes payment records reaching a final or timed-out state.
// Notification is best effort: a failed notification never affects the
// settlement outcome.
type Notifier interface {
	PaymentSettled(ctx context.Context, rec *ledger.Record)
	PaymentFailed(ctx context.Context, rec *ledger.Record)
}

// LogNotifier reports settlement outcomes through structured logging.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a Notifier that logs outcomes.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// PaymentSettled implements Notifier.
func (n *LogNotifier) PaymentSettled(ctx context.Context, rec *ledger.Record) {
	n.logger.InfoContext(ctx, "payment settled",
		"payment_id", rec.ID,
		"network", rec.Network,
		"payer", rec.Payer,
		"amount", rec.Amount,
		"tx", rec.TransactionRef,
		"confirmations", rec.Confirmations)
}

// PaymentFailed implements Notifier.
func (n *LogNotifier) PaymentFailed(ctx context.Context, rec *ledger.Record) {
	n.logger.WarnContext(ctx, "payment failed",
		"payment_id", rec.ID,
		"network", rec.Network,
		"payer", rec.Payer,
		"status", rec.Status,
		"reason", rec.FailureReason,
		"attempts", rec.Attempts)
}
