package repository

// schema is valid for both PostgreSQL and SQLite. Times are unix
// milliseconds, money is decimal text, calendar dates are YYYY-MM-DD.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		processed_count INTEGER NOT NULL DEFAULT 0,
		failed_count    INTEGER NOT NULL DEFAULT 0,
		error_message   TEXT,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		started_at      BIGINT,
		completed_at    BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches (status)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id             TEXT PRIMARY KEY,
		batch_id       TEXT NOT NULL REFERENCES batches (id) ON DELETE CASCADE,
		file_name      TEXT NOT NULL,
		content_type   TEXT NOT NULL,
		storage_key    TEXT NOT NULL,
		position_idx   INTEGER NOT NULL,
		status         TEXT NOT NULL,
		extracted_text TEXT,
		ocr_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		page_count     INTEGER NOT NULL DEFAULT 0,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents (batch_id, position_idx)`,

	`CREATE TABLE IF NOT EXISTS vendors (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		name_key   TEXT NOT NULL UNIQUE,
		email      TEXT NOT NULL DEFAULT '',
		phone      TEXT NOT NULL DEFAULT '',
		address    TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id             TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL UNIQUE REFERENCES documents (id) ON DELETE CASCADE,
		invoice_number TEXT,
		amount         TEXT,
		invoice_date   TEXT,
		due_date       TEXT,
		po_number      TEXT,
		vendor_name    TEXT,
		vendor_id      TEXT REFERENCES vendors (id) ON DELETE SET NULL,
		status         TEXT NOT NULL,
		notes          TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices (status)`,

	`CREATE TABLE IF NOT EXISTS analyses (
		id              TEXT PRIMARY KEY,
		batch_id        TEXT NOT NULL UNIQUE REFERENCES batches (id) ON DELETE CASCADE,
		summary         TEXT NOT NULL,
		recommendations TEXT NOT NULL DEFAULT '[]',
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      BIGINT NOT NULL
	)`,
}
