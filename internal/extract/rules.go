package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// Field names an invoice attribute recovered from OCR text.
type Field string

const (
	FieldInvoiceNumber Field = "invoice_number"
	FieldAmount        Field = "amount"
	FieldInvoiceDate   Field = "invoice_date"
	FieldDueDate       Field = "due_date"
	FieldVendorName    Field = "vendor_name"
	FieldPONumber      Field = "po_number"
)

// Rule is one labelled pattern. Capture group 1 holds the raw value.
type Rule struct {
	Field   Field
	Pattern *regexp.Regexp
	// Exclude skips a match whose preceding word equals it, e.g. "due" for
	// a bare "Date:" label.
	Exclude string
}

const (
	idToken   = `([A-Z0-9][A-Z0-9\-_/.]*)`
	moneyTok  = `(?:usd|eur|gbp|cad|aud|chf)?\s*([$€£¥]?\s?[^\s]+)`
	dateToken = `(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}|\d{4}[\-/]\d{1,2}[\-/]\d{1,2}|[A-Z]{3,9}\.?\s+\d{1,2},?\s+\d{4}|\d{1,2}\s+[A-Z]{3,9}\.?,?\s+\d{4})`
)

// DefaultRules is the ordered rule table. Earlier rules win for the same field.
var DefaultRules = []Rule{
	{Field: FieldInvoiceNumber, Pattern: regexp.MustCompile(`(?i)\binvoice\s*(?:number|num|no)\.?\s*[:#]?\s*` + idToken)},
	{Field: FieldInvoiceNumber, Pattern: regexp.MustCompile(`(?i)\binvoice\s*(?:#|id)?\s*[:#]\s*` + idToken)},
	{Field: FieldInvoiceNumber, Pattern: regexp.MustCompile(`(?i)\binv\s*#\s*` + idToken)},

	{Field: FieldAmount, Pattern: regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+amount|amount\s+due|total\s+due|balance\s+due)\s*[:\-]?\s*` + moneyTok)},
	{Field: FieldAmount, Pattern: regexp.MustCompile(`(?i)\btotal\b\s*[:\-]?\s*` + moneyTok)},
	{Field: FieldAmount, Pattern: regexp.MustCompile(`(?i)\bamount\b\s*[:\-]\s*` + moneyTok)},

	{Field: FieldInvoiceDate, Pattern: regexp.MustCompile(`(?i)\b(?:invoice\s+date|issue\s+date|date\s+issued|date\s+of\s+issue)\s*[:\-]?\s*` + dateToken)},
	{Field: FieldInvoiceDate, Pattern: regexp.MustCompile(`(?i)\bdated?\s*[:\-]\s*` + dateToken), Exclude: "due"},

	{Field: FieldDueDate, Pattern: regexp.MustCompile(`(?i)\b(?:due\s+date|payment\s+due|due\s+by|due\s+on)\s*[:\-]?\s*` + dateToken)},
	{Field: FieldDueDate, Pattern: regexp.MustCompile(`(?i)\bdue\s*[:\-]\s*` + dateToken)},

	{Field: FieldVendorName, Pattern: regexp.MustCompile(`(?i)\b(?:vendor|supplier|seller|sold\s+by|bill\s+from|payee)\s*(?:name)?\s*:\s*([^\n]{2,80})`)},
	{Field: FieldVendorName, Pattern: regexp.MustCompile(`(?im)^\s*from\s*:\s*([^\n]{2,80})`)},

	{Field: FieldPONumber, Pattern: regexp.MustCompile(`(?i)\b(?:purchase\s+order|p\.?\s?o\.?)\s*(?:number|num|no\.?|#)?\s*[:#]?\s*` + idToken)},
}

// find returns the raw capture of the first acceptable match of r in text.
func (r Rule) find(text string) (string, bool) {
	for _, loc := range r.Pattern.FindAllStringSubmatchIndex(text, -1) {
		if r.Exclude != "" && precedingWord(text[:loc[0]]) == r.Exclude {
			continue
		}
		if len(loc) < 4 || loc[2] < 0 {
			continue
		}
		return text[loc[2]:loc[3]], true
	}
	return "", false
}

func precedingWord(prefix string) string {
	prefix = strings.TrimRightFunc(prefix, unicode.IsSpace)
	i := strings.LastIndexFunc(prefix, func(r rune) bool { return !unicode.IsLetter(r) })
	return strings.ToLower(prefix[i+1:])
}
