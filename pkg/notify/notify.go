package notify

import (
	"bytes"
	"log"
	"strconv"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/models"
)

// EventType identifies a loan lifecycle event worth telling the customer about.
type EventType string

const (
	EventLoanApproved    EventType = "LOAN_APPROVED"
	EventLoanRejected    EventType = "LOAN_REJECTED"
	EventLoanDisbursed   EventType = "LOAN_DISBURSED"
	EventPaymentReceived EventType = "PAYMENT_RECEIVED"
	EventLoanCompleted   EventType = "LOAN_COMPLETED"
)

// Event carries the context a template needs to render a message.
type Event struct {
	Type   EventType
	Loan   *models.Loan
	Amount decimal.Decimal // Payment amount, where applicable
}

// Notifier delivers loan lifecycle notifications. Delivery is best effort:
// implementations log failures and never propagate them into the ledger.
type Notifier interface {
	Notify(event Event)
}

// Discard is a Notifier that drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}

var defaultTemplates = map[EventType]string{
	EventLoanApproved:    "Dear customer, your loan {{.Reference}} of KES {{.Principal}} has been approved. Total payable: KES {{.Total}} over {{.Tenure}} months.",
	EventLoanRejected:    "Dear customer, your loan application {{.Reference}} was not approved.{{if .Reason}} Reason: {{.Reason}}{{end}}",
	EventLoanDisbursed:   "Dear customer, KES {{.Principal}} for loan {{.Reference}} has been disbursed. Your monthly installment is KES {{.Monthly}}.",
	EventPaymentReceived: "Dear customer, we received your payment of KES {{.Amount}} for loan {{.Reference}}. Outstanding balance: KES {{.Balance}}.",
	EventLoanCompleted:   "Congratulations! Loan {{.Reference}} is fully repaid. Thank you for banking with us.",
}

// LogNotifier renders templated messages and writes them to the process log.
// It stands in for the real delivery channels (email, SMS), which sit behind
// the excluded web layer.
type LogNotifier struct {
	templates map[EventType]*template.Template
}

// NewLogNotifier builds a LogNotifier with the default message templates.
func NewLogNotifier() *LogNotifier {
	n := &LogNotifier{templates: make(map[EventType]*template.Template)}
	for typ, text := range defaultTemplates {
		n.templates[typ] = template.Must(template.New(string(typ)).Parse(text))
	}
	return n
}

// Notify renders and logs the message for the event. Fire-and-log: errors are
// logged and swallowed, there is no delivery guarantee.
func (n *LogNotifier) Notify(e Event) {
	tmpl, ok := n.templates[e.Type]
	if !ok {
		log.Printf("notify: no template for event %s (loan %s)", e.Type, e.Loan.LoanReference)
		return
	}

	data := map[string]string{
		"Reference": e.Loan.LoanReference,
		"Principal": e.Loan.Principal.StringFixed(2),
		"Total":     e.Loan.TotalAmount.StringFixed(2),
		"Monthly":   e.Loan.MonthlyPayment.StringFixed(2),
		"Balance":   e.Loan.RemainingBalance.StringFixed(2),
		"Tenure":    strconv.Itoa(e.Loan.TenureMonths),
		"Reason":    e.Loan.RejectedReason,
		"Amount":    e.Amount.StringFixed(2),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.Printf("notify: failed to render %s for loan %s: %v", e.Type, e.Loan.LoanReference, err)
		return
	}
	log.Printf("notify [%s] %s: %s", e.Type, e.Loan.LoanReference, buf.String())
}
