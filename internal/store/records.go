package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/report"
)

// AppendRecord stores rec. A zero date is stamped with the current time.
func (s *Store) AppendRecord(ctx context.Context, rec report.Record) (report.Record, error) {
	if rec.Date.IsZero() {
		rec.Date = s.clock()
	}
	rec.Date = rec.Date.UTC().Round(0)
	rec.Report = rec.Report.Normalize()
	encoded, err := rec.Report.Encode()
	if err != nil {
		return rec, failure.Wrap(failure.ErrPersistence, "store append record", "encode report", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(session_id, recorded_at, recorded_unix, transcript, report) VALUES(?, ?, ?, ?, ?)`,
		rec.SessionID, formatTime(rec.Date), rec.Date.UnixNano(), rec.Transcript, encoded)
	if err != nil {
		return rec, failure.Wrap(failure.ErrPersistence, "store append record", "", err)
	}
	return rec, nil
}

// ListRecords returns every record in insertion order.
func (s *Store) ListRecords(ctx context.Context) ([]report.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, recorded_at, transcript, report FROM records ORDER BY id ASC`)
	if err != nil {
		return nil, failure.Wrap(failure.ErrPersistence, "store list records", "", err)
	}
	defer rows.Close()

	records := make([]report.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.ErrPersistence, "store list records", "", err)
	}
	return records, nil
}

// FindRecordByDate returns the first record stored on the same calendar day
// as day, in the store's timezone.
func (s *Store) FindRecordByDate(ctx context.Context, day time.Time) (report.Record, bool, error) {
	local := day.In(s.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	end := start.AddDate(0, 0, 1)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, recorded_at, transcript, report FROM records
		 WHERE recorded_unix >= ? AND recorded_unix < ? ORDER BY id ASC LIMIT 1`,
		start.UnixNano(), end.UnixNano())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Record{}, false, nil
	}
	if err != nil {
		return report.Record{}, false, err
	}
	return rec, true, nil
}

// ClearRecords deletes every record.
func (s *Store) ClearRecords(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records`)
	if err != nil {
		return 0, failure.Wrap(failure.ErrPersistence, "store clear records", "", err)
	}
	n, _ := res.RowsAffected()
	s.log.Info("records cleared", slog.Int64("count", n))
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (report.Record, error) {
	var rec report.Record
	var sessionID sql.NullString
	var recordedAt, encoded string
	if err := row.Scan(&sessionID, &recordedAt, &rec.Transcript, &encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, failure.Wrap(failure.ErrPersistence, "store scan record", "", err)
	}
	rec.SessionID = sessionID.String
	rec.Date = parseTime(recordedAt)
	r, err := report.Decode(encoded)
	if err != nil {
		return rec, failure.Wrap(failure.ErrPersistence, "store scan record", "corrupt report", err)
	}
	rec.Report = r
	return rec, nil
}
