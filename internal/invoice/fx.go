package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	domain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/invoice/render"
	"github.com/smallbiznis/tally/internal/invoice/repository"
	"github.com/smallbiznis/tally/internal/invoice/service"
	"github.com/smallbiznis/tally/internal/notification"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(render.NewRenderer),
	fx.Provide(service.NewService),
	fx.Invoke(registerHandlers),
)

// registerHandlers binds scheduled invoicing runs and payment-driven
// credit rebalances to the aggregator. A run that resolves to no change
// is the expected outcome of a redelivered or superseded timer.
func registerHandlers(dispatcher *notification.Dispatcher, svc domain.Service) {
	dispatcher.Register(notification.TagInvoiceRun, func(ctx context.Context, n notification.Notification) error {
		accountID, err := payloadID(n.Payload, "account_id")
		if err != nil {
			return err
		}
		targetDate, err := payloadTime(n.Payload, "target_date")
		if err != nil {
			return err
		}
		_, err = svc.GenerateInvoice(ctx, domain.GenerateRequest{AccountID: accountID, TargetDate: targetDate})
		if errors.Is(err, domain.ErrNothingToDo) {
			return nil
		}
		return err
	})
	dispatcher.Register(notification.TagCreditRebalance, func(ctx context.Context, n notification.Notification) error {
		accountID, err := payloadID(n.Payload, "account_id")
		if err != nil {
			return err
		}
		return svc.RebalanceAccountCredit(ctx, accountID)
	})
}

func payloadID(payload map[string]any, key string) (snowflake.ID, error) {
	raw, ok := payload[key].(string)
	if !ok {
		return 0, notification.ErrInvalidTag
	}
	return snowflake.ParseString(raw)
}

func payloadTime(payload map[string]any, key string) (time.Time, error) {
	raw, ok := payload[key].(string)
	if !ok {
		return time.Time{}, notification.ErrInvalidTag
	}
	return time.Parse(time.RFC3339, raw)
}
