package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// lowConfidence flags documents worth rescanning.
const lowConfidence = 0.5

// Offline summarizes a batch without calling a model: totals per vendor,
// extraction gaps and suspicious duplicates.
type Offline struct {
	logger *slog.Logger
}

func NewOffline(logger *slog.Logger) *Offline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Offline{logger: logger}
}

func (o *Offline) Name() string { return ProviderOffline }

type vendorTotal struct {
	name  string
	total decimal.Decimal
	count int
}

func (o *Offline) AnalyzeBatch(ctx context.Context, docs []DocumentDigest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, ServiceError(ProviderOffline, "analyze", err)
	}

	total := decimal.Zero
	vendors := map[string]*vendorTotal{}
	seen := map[string]string{}
	var recs []string
	invoices := 0

	for _, d := range docs {
		if d.Confidence > 0 && d.Confidence < lowConfidence {
			recs = append(recs, fmt.Sprintf("Rescan %s: low OCR confidence (%.2f)", d.FileName, d.Confidence))
		}
		inv := d.Invoice
		if inv == nil {
			continue
		}
		if inv.Status == string(constants.InvoiceStatusExtractionFailed) {
			recs = append(recs, fmt.Sprintf("Review %s manually: invoice fields could not be extracted", d.FileName))
			continue
		}
		invoices++

		amount, err := decimal.NewFromString(inv.Amount)
		if err != nil {
			continue
		}
		total = total.Add(amount)

		vendor := strings.TrimSpace(inv.Vendor)
		if vendor == "" {
			vendor = "unknown vendor"
		}
		key := strings.ToLower(vendor)
		vt, ok := vendors[key]
		if !ok {
			vt = &vendorTotal{name: vendor}
			vendors[key] = vt
		}
		vt.total = vt.total.Add(amount)
		vt.count++

		if inv.Number != "" {
			dupKey := key + "|" + strings.ToLower(inv.Number)
			if first, dup := seen[dupKey]; dup {
				recs = append(recs, fmt.Sprintf("Check %s and %s: duplicate invoice number %s from %s", first, d.FileName, inv.Number, vendor))
			} else {
				seen[dupKey] = d.FileName
			}
		}
	}

	ranked := make([]*vendorTotal, 0, len(vendors))
	for _, v := range vendors {
		ranked = append(ranked, v)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if c := ranked[i].total.Cmp(ranked[j].total); c != 0 {
			return c > 0
		}
		return ranked[i].name < ranked[j].name
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d documents analyzed, %d invoices extracted totalling %s.", len(docs), invoices, total.StringFixed(2))
	if len(ranked) > 0 {
		parts := make([]string, 0, len(ranked))
		for _, v := range ranked {
			parts = append(parts, fmt.Sprintf("%s %s (%d)", v.name, v.total.StringFixed(2), v.count))
		}
		fmt.Fprintf(&b, " By vendor: %s.", strings.Join(parts, ", "))
	}
	if recs == nil {
		recs = []string{}
	}

	o.logger.Debug("ai.offline.analyze.ok", "documents", len(docs), "invoices", invoices, "vendors", len(ranked))
	return Result{
		Summary:         b.String(),
		Recommendations: recs,
		Metadata: map[string]string{
			"provider":       ProviderOffline,
			"document_count": strconv.Itoa(len(docs)),
			"invoice_count":  strconv.Itoa(invoices),
			"vendor_count":   strconv.Itoa(len(ranked)),
			"total_amount":   total.StringFixed(2),
		},
	}, nil
}

// Chat answers with the document lines that mention the question's words.
func (o *Offline) Chat(ctx context.Context, docs []DocumentDigest, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ServiceError(ProviderOffline, "chat", err)
	}
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, "?.,!:;\"'")
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}

	const maxHits = 5
	var hits []string
	for _, d := range docs {
		for _, line := range strings.Split(d.Text, "\n") {
			lower := strings.ToLower(line)
			for _, t := range terms {
				if strings.Contains(lower, t) {
					hits = append(hits, d.FileName+": "+strings.TrimSpace(line))
					break
				}
			}
			if len(hits) == maxHits {
				break
			}
		}
		if len(hits) == maxHits {
			break
		}
	}
	if len(hits) == 0 {
		return "No matching content found in this batch.", nil
	}
	return strings.Join(hits, "\n"), nil
}
