package cache

import "strings"

// migration holds a single schema migration with its target version.
type migration struct {
	version int
	sql     string
	// sqliteOnly statements are skipped on Postgres.
	sqliteOnly string
}

// Schema is written for SQLite; dialect() rewrites the column types that
// differ on Postgres.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    id {{pk}},
    name TEXT NOT NULL UNIQUE,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL,
    imap_username TEXT NOT NULL,
    smtp_host TEXT NOT NULL,
    smtp_port INTEGER NOT NULL,
    smtp_username TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at {{ts}} DEFAULT CURRENT_TIMESTAMP,
    updated_at {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
    id {{pk}},
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    folder_type TEXT NOT NULL DEFAULT 'custom',
    message_count INTEGER NOT NULL DEFAULT 0,
    uid_validity BIGINT NOT NULL DEFAULT 0,
    forward_cursor_uid BIGINT NOT NULL DEFAULT 0,
    backfill_cursor_uid BIGINT NOT NULL DEFAULT 0,
    sync_state TEXT NOT NULL DEFAULT 'bootstrapping',
    last_error TEXT NOT NULL DEFAULT '',
    last_synced {{ts}},
    UNIQUE(account_id, path)
);

CREATE TABLE IF NOT EXISTS threads (
    id {{pk}},
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    subject TEXT NOT NULL DEFAULT '',
    message_count INTEGER NOT NULL DEFAULT 0,
    unread_count INTEGER NOT NULL DEFAULT 0,
    latest_date {{ts}}
);

CREATE TABLE IF NOT EXISTS emails (
    id {{pk}},
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    stable_id TEXT NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    in_reply_to TEXT NOT NULL DEFAULT '',
    refs TEXT NOT NULL DEFAULT '[]',
    thread_id BIGINT REFERENCES threads(id),
    subject TEXT NOT NULL DEFAULT '',
    sender_name TEXT NOT NULL DEFAULT '',
    sender_email TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '[]',
    date {{ts}} NOT NULL,
    size BIGINT NOT NULL DEFAULT 0,
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    flags TEXT NOT NULL DEFAULT '[]',
    seen INTEGER NOT NULL DEFAULT 0,
    fingerprint TEXT NOT NULL DEFAULT '',
    cached_at {{ts}} DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, stable_id)
);

CREATE TABLE IF NOT EXISTS email_folders (
    id {{pk}},
    email_id BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
    folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    uid BIGINT NOT NULL,
    flags TEXT NOT NULL DEFAULT '[]',
    UNIQUE(folder_id, uid)
);

CREATE TABLE IF NOT EXISTS outbox (
    id TEXT PRIMARY KEY,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    message_id TEXT NOT NULL,
    from_addr TEXT NOT NULL,
    recipients TEXT NOT NULL DEFAULT '[]',
    raw {{blob}} NOT NULL,
    state TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at {{ts}} NOT NULL,
    updated_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_emails_account_message_id ON emails(account_id, message_id);
CREATE INDEX IF NOT EXISTS idx_emails_account_in_reply_to ON emails(account_id, in_reply_to);
CREATE INDEX IF NOT EXISTS idx_emails_thread_id ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
CREATE INDEX IF NOT EXISTS idx_emails_sender_email ON emails(sender_email);
CREATE INDEX IF NOT EXISTS idx_email_folders_email_id ON email_folders(email_id);
CREATE INDEX IF NOT EXISTS idx_threads_account_latest ON threads(account_id, latest_date);
CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state);

INSERT INTO schema_version (version) VALUES (1);
`,
		sqliteOnly: `
CREATE VIRTUAL TABLE IF NOT EXISTS emails_fts USING fts5(
    subject,
    sender_email,
    sender_name,
    body_text,
    content='emails',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS emails_fts_insert AFTER INSERT ON emails BEGIN
    INSERT INTO emails_fts(rowid, subject, sender_email, sender_name, body_text)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS emails_fts_update AFTER UPDATE ON emails BEGIN
    INSERT INTO emails_fts(emails_fts, rowid, subject, sender_email, sender_name, body_text)
    VALUES ('delete', old.id, old.subject, old.sender_email, old.sender_name, old.body_text);
    INSERT INTO emails_fts(rowid, subject, sender_email, sender_name, body_text)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS emails_fts_delete AFTER DELETE ON emails BEGIN
    INSERT INTO emails_fts(emails_fts, rowid, subject, sender_email, sender_name, body_text)
    VALUES ('delete', old.id, old.subject, old.sender_email, old.sender_name, old.body_text);
END;
`,
	},
}

// dialect rewrites schema placeholders for driver.
func dialect(driver, schema string) string {
	if driver == DriverPostgres {
		return strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{ts}}", "TIMESTAMPTZ",
			"{{blob}}", "BYTEA",
		).Replace(schema)
	}
	return strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
		"{{blob}}", "BLOB",
	).Replace(schema)
}
