package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps bundle records in the relay_bundles table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS relay_bundles (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failed_step TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			signatures_json TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_bundles_state ON relay_bundles(state, updated_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate relay_bundles: %w", err)
		}
	}
	return nil
}

type storedSignatures struct {
	Pre   []string `json:"pre"`
	Place string   `json:"place,omitempty"`
	Match string   `json:"match,omitempty"`
	Post  []string `json:"post"`
}

func encodeSignatures(record *Record) (string, error) {
	raw, err := json.Marshal(storedSignatures{
		Pre:   record.PreSignatures,
		Place: record.PlaceSignature,
		Match: record.MatchSignature,
		Post:  record.PostSignatures,
	})
	return string(raw), err
}

func decodeSignatures(raw string, record *Record) error {
	var sigs storedSignatures
	if err := json.Unmarshal([]byte(raw), &sigs); err != nil {
		return err
	}
	record.PreSignatures = sigs.Pre
	record.PlaceSignature = sigs.Place
	record.MatchSignature = sigs.Match
	record.PostSignatures = sigs.Post
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		record    Record
		state     string
		rawSigs   string
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, rebindPostgresPlaceholders(`
		SELECT id, state, failed_step, error, signatures_json, created_at, updated_at
		FROM relay_bundles WHERE id = ?
	`), id).Scan(&record.ID, &state, &record.FailedStep, &record.Error, &rawSigs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", id, err)
	}

	if err := decodeSignatures(rawSigs, &record); err != nil {
		return nil, fmt.Errorf("decode bundle %s signatures: %w", id, err)
	}
	record.State = State(state)
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &record, nil
}

func (s *PostgresStore) Put(ctx context.Context, record *Record) error {
	raw, err := encodeSignatures(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, rebindPostgresPlaceholders(`
		INSERT INTO relay_bundles (
			id, state, failed_step, error, signatures_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			failed_step = excluded.failed_step,
			error = excluded.error,
			signatures_json = excluded.signatures_json,
			updated_at = excluded.updated_at
	`),
		record.ID,
		string(record.State),
		record.FailedStep,
		record.Error,
		raw,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save bundle %s: %w", record.ID, err)
	}
	return nil
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}
