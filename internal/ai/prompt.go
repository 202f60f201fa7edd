package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxDigestText caps the OCR text of one document inside a prompt.
const maxDigestText = 3000

// AnalysisSystemPrompt instructs the model to answer with the analysis schema.
func AnalysisSystemPrompt() string {
	parts := []string{
		"You are an accounts-payable analyst reviewing a batch of scanned invoices.",
		"Return ONLY JSON that matches the provided JSON Schema.",
		"'summary' is a short paragraph: number of invoices, total amount per currency if visible, notable vendors and due dates.",
		"'recommendations' lists concrete follow-ups such as invoices needing manual review, duplicates or overdue payments.",
		"'metadata' may carry string key/value facts such as invoice_count or total_amount.",
		"Never output null. If a field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

// ChatSystemPrompt frames a free-form question about a batch.
func ChatSystemPrompt() string {
	return "You answer questions about a batch of scanned invoices. Use only the documents provided. " +
		"If the documents do not contain the answer, say so. Answer in plain text."
}

// BuildDigestPrompt renders the documents of a batch for a prompt.
func BuildDigestPrompt(docs []DocumentDigest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch of %d processed documents.\n", len(docs))
	for i, d := range docs {
		fmt.Fprintf(&b, "\n--- Document %d: %s (ocr confidence %.2f)\n", i+1, d.FileName, d.Confidence)
		if d.Invoice != nil {
			inv, _ := json.Marshal(d.Invoice)
			b.WriteString("Extracted fields: ")
			b.Write(inv)
			b.WriteString("\n")
		}
		b.WriteString("OCR text:\n")
		b.WriteString(truncate(d.Text, maxDigestText))
		b.WriteString("\n")
	}
	return b.String()
}

// SchemaPrompt is the schema message appended to analysis requests.
func SchemaPrompt() string {
	b, _ := json.MarshalIndent(AnalysisJSONSchema(), "", "  ")
	return "JSON Schema:\n" + string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
