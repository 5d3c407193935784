package render

import (
	"time"

	domain "github.com/smallbiznis/tally/internal/invoice/domain"
)

// RenderInput is the deterministic input used for invoice rendering.
type RenderInput struct {
	Invoice InvoiceView
	Account AccountView
	Items   []LineItemView
}

type InvoiceView struct {
	ID          string
	Status      string
	TargetDate  time.Time
	CommittedAt *time.Time
	TotalCents  int64
	Currency    string
}

type AccountView struct {
	ExternalKey string
	Name        string
}

type LineItemView struct {
	Type        string
	Description string
	PlanCode    string
	PhaseCode   string
	Start       time.Time
	End         time.Time
	AmountCents int64
	Currency    string
}

type Renderer interface {
	RenderHTML(input RenderInput) (string, error)
}

// BuildInput projects an invoice and its owning account onto the render
// views. Items keep ledger order.
func BuildInput(invoice domain.Invoice, accountKey, accountName string) RenderInput {
	input := RenderInput{
		Invoice: InvoiceView{
			ID:          invoice.ID.String(),
			Status:      string(invoice.Status),
			TargetDate:  invoice.TargetDate,
			CommittedAt: invoice.CommittedAt,
			TotalCents:  domain.ItemTotalCents(invoice.Items),
			Currency:    invoice.Currency,
		},
		Account: AccountView{
			ExternalKey: accountKey,
			Name:        accountName,
		},
	}
	for _, item := range invoice.Items {
		input.Items = append(input.Items, LineItemView{
			Type:        string(item.Type),
			Description: item.Description,
			PlanCode:    item.PlanCode,
			PhaseCode:   item.PhaseCode,
			Start:       item.StartDate,
			End:         item.EndDate,
			AmountCents: item.AmountCents,
			Currency:    item.Currency,
		})
	}
	return input
}
