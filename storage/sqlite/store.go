// Package sqlite is the warm tier: one relational table per record kind,
// each row carrying the queryable columns, the JSON payload, and the cold
// address once the record is archived.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"perpcore/staticerr"
	"perpcore/storage"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	// One writer; the coordinator's worker and Sync may race otherwise.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting WAL mode")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "schema migration")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put upserts r. An archived record keeps its columns but stores no payload.
// A row with a higher seq is left alone, and a stored cold address survives
// puts that carry none.
func (s *Store) Put(ctx context.Context, r storage.Record) error {
	var payload, cold sql.NullString
	if r.Location.ColdAddress != "" {
		cold = sql.NullString{String: r.Location.ColdAddress, Valid: true}
	} else {
		payload = sql.NullString{String: string(r.Payload), Valid: true}
	}
	ts := r.UpdatedAt.UTC().Format(time.RFC3339Nano)

	t, ok := tables[r.Key.Kind]
	if !ok {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (kind, id, ts, final, seq, payload, cold_address)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, id) DO UPDATE SET
				ts = excluded.ts,
				final = excluded.final,
				seq = excluded.seq,
				payload = excluded.payload,
				cold_address = COALESCE(excluded.cold_address, records.cold_address)
			WHERE excluded.seq >= records.seq`,
			r.Key.Kind, r.Key.ID, ts, r.Final, int64(r.Seq), payload, cold,
		)
		return errors.Wrapf(err, "upsert %s", r.Key)
	}

	fields, err := columnsOf(r.Payload)
	if err != nil {
		return errors.Wrapf(err, "decode %s", r.Key)
	}

	names := []string{"id"}
	args := []any{r.Key.ID}
	for _, c := range t.columns {
		v, ok := fields[c.field]
		if !ok {
			v = ""
		}
		names = append(names, c.name)
		args = append(args, v)
	}
	names = append(names, "ts", "final", "seq", "payload", "cold_address")
	args = append(args, ts, r.Final, int64(r.Seq), payload, cold)

	updates := make([]string, 0, len(names)-1)
	for _, n := range names[1 : len(names)-1] {
		updates = append(updates, n+" = excluded."+n)
	}
	updates = append(updates, fmt.Sprintf("cold_address = COALESCE(excluded.cold_address, %s.cold_address)", t.name))
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s WHERE excluded.seq >= %s.seq",
		t.name,
		strings.Join(names, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "),
		strings.Join(updates, ", "),
		t.name,
	)
	_, err = s.db.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "upsert %s", r.Key)
}

func (s *Store) Get(ctx context.Context, k storage.Key) (storage.Record, error) {
	var row *sql.Row
	if t, ok := tables[k.Kind]; ok {
		row = s.db.QueryRowContext(ctx,
			"SELECT ts, final, seq, payload, cold_address FROM "+t.name+" WHERE id = ?", k.ID)
	} else {
		row = s.db.QueryRowContext(ctx,
			"SELECT ts, final, seq, payload, cold_address FROM records WHERE kind = ? AND id = ?", k.Kind, k.ID)
	}

	var (
		ts            string
		final         bool
		seq           int64
		payload, cold sql.NullString
	)
	if err := row.Scan(&ts, &final, &seq, &payload, &cold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, errors.Wrapf(staticerr.ErrRecordNotFound, "warm %s", k)
		}
		return storage.Record{}, errors.Wrapf(err, "get %s", k)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return storage.Record{}, errors.Wrapf(err, "get %s: ts", k)
	}

	rec := storage.Record{
		Key:       k,
		UpdatedAt: at,
		Final:     final,
		Seq:       uint64(seq),
		Location:  storage.Location{InWarm: true, ColdAddress: cold.String},
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	return rec, nil
}

// TradesByPair returns the newest trade payloads of a pair, newest first.
func (s *Store) TradesByPair(ctx context.Context, pair string, limit int) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM trades
		WHERE pair = ? AND payload IS NOT NULL
		ORDER BY ts DESC, id DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(p))
	}
	return out, rows.Err()
}

// columnsOf flattens the top-level scalar fields of a JSON object to
// strings.
func columnsOf(payload []byte) (map[string]any, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			out[k] = v
		case json.Number:
			out[k] = v.String()
		case bool:
			out[k] = v
		}
	}
	return out, nil
}
