package consolidation

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/consolidation/service"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/notification"
)

var Module = fx.Module("consolidation.service",
	fx.Provide(service.NewService),
	fx.Invoke(registerHandlers),
)

// registerHandlers binds the parent auto-commit timer. Commit is
// idempotent, so a timer overtaken by an explicit early commit lands as
// a no-op.
func registerHandlers(dispatcher *notification.Dispatcher, invoiceSvc invoicedomain.Service) {
	dispatcher.Register(notification.TagParentCommit, func(ctx context.Context, n notification.Notification) error {
		raw, ok := n.Payload["invoice_id"].(string)
		if !ok {
			return notification.ErrInvalidTag
		}
		invoiceID, err := snowflake.ParseString(raw)
		if err != nil {
			return err
		}
		return invoiceSvc.CommitInvoice(ctx, invoiceID)
	})
}
