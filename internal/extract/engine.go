// Package extract turns OCR text into structured invoice records using an
// ordered table of labelled regular expressions.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/shopspring/decimal"
)

// Fields is the pure result of running the rule table over a text.
type Fields struct {
	InvoiceNumber *string
	Amount        *decimal.Decimal
	InvoiceDate   *time.Time
	DueDate       *time.Time
	VendorName    *string
	PONumber      *string
	// Notes records values that were found but could not be parsed.
	Notes []string
}

// Complete reports whether the fields required for a PENDING invoice are set.
func (f Fields) Complete() bool {
	return f.InvoiceNumber != nil && f.Amount != nil
}

// Missing lists the required fields that were not recovered.
func (f Fields) Missing() []string {
	var out []string
	if f.InvoiceNumber == nil {
		out = append(out, string(FieldInvoiceNumber))
	}
	if f.Amount == nil {
		out = append(out, string(FieldAmount))
	}
	return out
}

// ParseFields applies DefaultRules to text.
func ParseFields(text string) Fields {
	return parseWith(DefaultRules, text)
}

func parseWith(rules []Rule, text string) Fields {
	var f Fields
	done := map[Field]bool{}
	for _, r := range rules {
		if done[r.Field] {
			continue
		}
		raw, ok := r.find(text)
		if !ok {
			continue
		}
		if assign(&f, r.Field, raw) {
			done[r.Field] = true
		}
	}
	return f
}

func assign(f *Fields, field Field, raw string) bool {
	switch field {
	case FieldInvoiceNumber:
		if id, ok := cleanID(raw); ok {
			f.InvoiceNumber = &id
			return true
		}
	case FieldPONumber:
		if id, ok := cleanID(raw); ok {
			f.PONumber = &id
			return true
		}
	case FieldAmount:
		if d, ok := ParseAmount(raw); ok {
			f.Amount = &d
			return true
		}
		f.Notes = append(f.Notes, fmt.Sprintf("unparsable amount %q", strings.TrimSpace(raw)))
	case FieldInvoiceDate, FieldDueDate:
		t, ok := ParseDate(raw)
		if !ok {
			f.Notes = append(f.Notes, fmt.Sprintf("unparsable %s %q", field, strings.TrimSpace(raw)))
			return false
		}
		if field == FieldInvoiceDate {
			f.InvoiceDate = &t
		} else {
			f.DueDate = &t
		}
		return true
	case FieldVendorName:
		if name, ok := cleanName(raw); ok {
			f.VendorName = &name
			return true
		}
	}
	return false
}

// cleanID trims trailing punctuation and requires at least one digit.
func cleanID(raw string) (string, bool) {
	s := strings.TrimRight(strings.TrimSpace(raw), ".-_/")
	if s == "" || !strings.ContainsAny(s, "0123456789") {
		return "", false
	}
	return s, true
}

func cleanName(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, " .,;:")
	if len(s) < 2 || strings.IndexFunc(s, isLetter) < 0 {
		return "", false
	}
	return s, true
}

// Engine builds invoice records from document text and links vendors.
type Engine struct {
	vendors VendorStore
	rules   []Rule
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Engine)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option { return func(e *Engine) { e.rules = rules } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine. vendors may be nil, in which case vendor
// names are kept on the invoice but never linked.
func NewEngine(vendors VendorStore, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{vendors: vendors, rules: DefaultRules, now: time.Now, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExtractInvoice never fails: missing or unparsable fields produce an
// EXTRACTION_FAILED invoice with a note instead of an error. Vendor lookup
// problems are logged and leave the invoice unlinked.
func (e *Engine) ExtractInvoice(ctx context.Context, documentID uuid.UUID, text string) *entity.Invoice {
	f := parseWith(e.rules, text)
	now := e.now().UTC()

	inv := &entity.Invoice{
		ID:            entity.NewID(),
		DocumentID:    documentID,
		InvoiceNumber: f.InvoiceNumber,
		Amount:        f.Amount,
		InvoiceDate:   f.InvoiceDate,
		DueDate:       f.DueDate,
		PONumber:      f.PONumber,
		VendorName:    f.VendorName,
		Status:        constants.InvoiceStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	notes := append([]string(nil), f.Notes...)
	if !f.Complete() {
		inv.Status = constants.InvoiceStatusExtractionFailed
		notes = append(notes, "missing required fields: "+strings.Join(f.Missing(), ", "))
	}

	if f.VendorName != nil && e.vendors != nil {
		v, err := ResolveVendor(ctx, e.vendors, *f.VendorName)
		if err != nil {
			e.logger.Warn("extract.vendor.resolve_failed", "document_id", documentID, "vendor", *f.VendorName, "error", err)
		} else {
			inv.VendorID = &v.ID
		}
	}
	inv.Notes = strings.Join(notes, "; ")

	if inv.Status == constants.InvoiceStatusPending {
		e.logger.Debug("extract.invoice.ok", "document_id", documentID, "invoice_number", *inv.InvoiceNumber)
	} else {
		e.logger.Info("extract.invoice.incomplete", "document_id", documentID, "notes", inv.Notes)
	}
	return inv
}
