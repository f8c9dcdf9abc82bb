package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID *int
	FolderID  *int
	Sender    *string
	Recipient *string
	Subject   *string
	Body      *string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
}

type summaryRow struct {
	ID          int64     `db:"id"`
	AccountName string    `db:"account_name"`
	FolderPath  *string   `db:"folder_path"`
	Subject     string    `db:"subject"`
	SenderName  string    `db:"sender_name"`
	SenderEmail string    `db:"sender_email"`
	Date        time.Time `db:"date"`
	BodyText    string    `db:"body_text"`
}

// Search performs a search on cached emails
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]types.EmailSummary, error) {
	var conditions []string
	var args []interface{}

	like := "LIKE"
	if s.cache.driver == DriverPostgres {
		like = "ILIKE"
	}

	if opts.AccountID != nil {
		conditions = append(conditions, "e.account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.FolderID != nil {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM email_folders ef WHERE ef.email_id = e.id AND ef.folder_id = ?)")
		args = append(args, *opts.FolderID)
	}

	if opts.Sender != nil {
		conditions = append(conditions, fmt.Sprintf("(e.sender_email %[1]s ? OR e.sender_name %[1]s ?)", like))
		searchTerm := "%" + *opts.Sender + "%"
		args = append(args, searchTerm, searchTerm)
	}

	if opts.Recipient != nil {
		conditions = append(conditions, "e.recipients "+like+" ?")
		args = append(args, "%"+*opts.Recipient+"%")
	}

	if opts.Subject != nil {
		conditions = append(conditions, "e.subject "+like+" ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.DateFrom != nil {
		conditions = append(conditions, "e.date >= ?")
		args = append(args, storedTime(*opts.DateFrom))
	}

	if opts.DateTo != nil {
		conditions = append(conditions, "e.date <= ?")
		args = append(args, storedTime(*opts.DateTo))
	}

	if opts.Body != nil {
		if s.cache.driver == DriverSQLite {
			conditions = append(conditions, "e.id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)")
			args = append(args, ftsQuery(*opts.Body))
		} else {
			conditions = append(conditions, "e.body_text ILIKE ?")
			args = append(args, "%"+*opts.Body+"%")
		}
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT e.id, a.name AS account_name,
			(SELECT MIN(f.path) FROM email_folders ef JOIN folders f ON f.id = ef.folder_id WHERE ef.email_id = e.id) AS folder_path,
			e.subject, e.sender_name, e.sender_email, e.date, e.body_text
		FROM emails e
		JOIN accounts a ON e.account_id = a.id
		%s
		ORDER BY e.date DESC, e.id DESC
		LIMIT ?
	`, whereClause)
	args = append(args, limit)

	var rows []summaryRow
	if err := s.db().SelectContext(ctx, &rows, s.db().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	results := make([]types.EmailSummary, 0, len(rows))
	for _, r := range rows {
		summary := types.EmailSummary{
			ID:          r.ID,
			AccountName: r.AccountName,
			Subject:     r.Subject,
			SenderName:  r.SenderName,
			SenderEmail: r.SenderEmail,
			Date:        r.Date,
			Snippet:     snippet(r.BodyText),
		}
		if r.FolderPath != nil {
			summary.FolderPath = *r.FolderPath
		}
		results = append(results, summary)
	}
	return results, nil
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

func snippet(body string) string {
	if len(body) <= 200 {
		return body
	}
	cut := 200
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}
