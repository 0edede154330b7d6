package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SQLStore implements Store over database/sql. It supports postgres
// (github.com/lib/pq) and sqlite (modernc.org/sqlite); the dialect decides
// placeholder style and the upsert clause.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite"
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("recordstore: unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS records (
	pk TEXT NOT NULL,
	sk TEXT NOT NULL,
	item TEXT NOT NULL,
	PRIMARY KEY (pk, sk)
);
`

// Init creates the records table if absent.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("recordstore: init schema: %w", err)
	}
	return nil
}

// rebind converts $n placeholders to ? for sqlite.
func (s *SQLStore) rebind(query string) string {
	if s.dialect == "postgres" {
		return query
	}
	out := query
	for i := 9; i >= 1; i-- {
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), "?")
	}
	return out
}

func (s *SQLStore) PutRecord(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Item)
	if err != nil {
		return fmt.Errorf("recordstore: marshal item: %w", err)
	}
	query := `
		INSERT INTO records (pk, sk, item) VALUES ($1, $2, $3)
		ON CONFLICT (pk, sk) DO UPDATE SET item = EXCLUDED.item
	`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), rec.PK, rec.SK, string(data)); err != nil {
		return fmt.Errorf("recordstore: put %s/%s: %w", rec.PK, rec.SK, err)
	}
	return nil
}

func (s *SQLStore) GetRecord(ctx context.Context, pk, sk string) (map[string]any, bool, error) {
	query := `SELECT item FROM records WHERE pk = $1 AND sk = $2`
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(query), pk, sk).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("recordstore: get %s/%s: %w", pk, sk, err)
	}
	var item map[string]any
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, false, fmt.Errorf("recordstore: decode %s/%s: %w", pk, sk, err)
	}
	return item, true, nil
}

func (s *SQLStore) QueryPrefix(ctx context.Context, pk, skPrefix string, filter Filter) ([]Record, error) {
	query := `SELECT sk, item FROM records WHERE pk = $1 AND sk LIKE $2 ESCAPE '\' ORDER BY sk ASC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), pk, likePrefix(skPrefix))
	if err != nil {
		return nil, fmt.Errorf("recordstore: query %s %s*: %w", pk, skPrefix, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var sk, raw string
		if err := rows.Scan(&sk, &raw); err != nil {
			return nil, fmt.Errorf("recordstore: scan: %w", err)
		}
		var item map[string]any
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("recordstore: decode %s/%s: %w", pk, sk, err)
		}
		if filter != nil && !filter(item) {
			continue
		}
		out = append(out, Record{PK: pk, SK: sk, Item: item})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recordstore: rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteRecord(ctx context.Context, pk, sk string) error {
	query := `DELETE FROM records WHERE pk = $1 AND sk = $2`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), pk, sk); err != nil {
		return fmt.Errorf("recordstore: delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in a literal prefix.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
