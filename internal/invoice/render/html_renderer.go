package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/smallbiznis/tally/internal/money"
)

const invoiceHTMLTemplate = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.Invoice.ID}}</title>
  <style>
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 32px;
      font-family: "Helvetica Neue", Arial, sans-serif;
      color: #111827;
      background: #ffffff;
    }
    .invoice { max-width: 820px; margin: 0 auto; }
    .header {
      display: flex;
      justify-content: space-between;
      align-items: flex-start;
      border-bottom: 2px solid #111827;
      padding-bottom: 16px;
      margin-bottom: 24px;
    }
    .meta { text-align: right; font-size: 14px; }
    .meta .label {
      color: #6b7280;
      text-transform: uppercase;
      letter-spacing: 0.04em;
      font-size: 11px;
    }
    table { width: 100%; border-collapse: collapse; font-size: 14px; }
    th, td { padding: 8px 4px; text-align: left; border-bottom: 1px solid #e5e7eb; }
    td.amount, th.amount { text-align: right; }
    .negative { color: #b91c1c; }
    .totals {
      display: flex;
      justify-content: flex-end;
      gap: 24px;
      margin-top: 16px;
      font-size: 16px;
    }
  </style>
</head>
<body>
  <div class="invoice">
    <div class="header">
      <div>
        <div><strong>{{.Account.Name}}</strong></div>
        <div>{{.Account.ExternalKey}}</div>
      </div>
      <div class="meta">
        <div class="label">Invoice</div>
        <div>{{.Invoice.ID}}</div>
        <div class="label">Status</div>
        <div>{{.Invoice.Status}}</div>
        <div class="label">Target date</div>
        <div>{{formatDate .Invoice.TargetDate}}</div>
      </div>
    </div>

    <table>
      <thead>
        <tr>
          <th>Type</th>
          <th>Plan</th>
          <th>Service period</th>
          <th class="amount">Amount</th>
        </tr>
      </thead>
      <tbody>
        {{range .Items}}
        <tr>
          <td>{{.Type}}</td>
          <td>{{planLabel .PlanCode .PhaseCode}}</td>
          <td>{{formatDate .Start}} - {{formatDate .End}}</td>
          <td class="amount{{if lt .AmountCents 0}} negative{{end}}">{{formatMoney .AmountCents .Currency}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    <div class="totals">
      <span>Total</span>
      <strong>{{formatMoney .Invoice.TotalCents .Invoice.Currency}}</strong>
    </div>
  </div>
</body>
</html>
`

type HTMLRenderer struct {
	tpl *template.Template
}

func NewRenderer() Renderer {
	funcs := template.FuncMap{
		"formatMoney": formatMoney,
		"formatDate":  formatDate,
		"planLabel":   planLabel,
	}
	return &HTMLRenderer{
		tpl: template.Must(template.New("invoice").Funcs(funcs).Parse(invoiceHTMLTemplate)),
	}
}

func (r *HTMLRenderer) RenderHTML(input RenderInput) (string, error) {
	if input.Account.Name == "" {
		input.Account.Name = "Invoice"
	}

	var buf bytes.Buffer
	if err := r.tpl.Execute(&buf, input); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatMoney(amountCents int64, currency string) string {
	normalized, err := money.NormalizeCurrency(currency)
	if err != nil {
		normalized = "USD"
	}
	return fmt.Sprintf("%s %s", normalized, money.FromCents(amountCents, normalized).StringFixed(money.Scale(normalized)))
}

func formatDate(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format("2006-01-02")
}

func planLabel(plan, phase string) string {
	plan = strings.TrimSpace(plan)
	phase = strings.TrimSpace(phase)
	switch {
	case plan == "" && phase == "":
		return "-"
	case phase == "":
		return plan
	case plan == "":
		return phase
	}
	return plan + " / " + phase
}
