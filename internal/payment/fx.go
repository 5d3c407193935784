package payment

import (
	"context"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/notification"
	domain "github.com/smallbiznis/tally/internal/payment/domain"
	"github.com/smallbiznis/tally/internal/payment/processor"
	"github.com/smallbiznis/tally/internal/payment/repository"
	"github.com/smallbiznis/tally/internal/payment/service"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() domain.Processor { return processor.NewSandbox() }),
	fx.Provide(service.NewService),
	fx.Invoke(registerHandlers),
)

// registerHandlers binds the scheduled retry timer to the payment service.
func registerHandlers(dispatcher *notification.Dispatcher, svc domain.Service) {
	dispatcher.Register(notification.TagPaymentRetry, func(ctx context.Context, n notification.Notification) error {
		paymentID, err := payloadID(n.Payload, "payment_id")
		if err != nil {
			return err
		}
		retryNumber, err := payloadInt(n.Payload, "retry_number")
		if err != nil {
			return err
		}
		return svc.ProcessRetry(ctx, paymentID, retryNumber)
	})
}

func payloadID(payload map[string]any, key string) (snowflake.ID, error) {
	raw, ok := payload[key].(string)
	if !ok {
		return 0, notification.ErrInvalidTag
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func payloadInt(payload map[string]any, key string) (int, error) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, notification.ErrInvalidTag
	}
}
