package upstream

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"prensa-sync-backend/config"
)

// CycleEvent is one raw machine-cycle row from the PLC event table, with its
// timestamp already normalized to true UTC.
type CycleEvent struct {
	ID          int64
	MachineCode string
	Timestamp   time.Time
}

// Source reads new machine-cycle events past a watermark, in ascending id
// order.
type Source interface {
	FetchAfter(ctx context.Context, lastID int64) ([]CycleEvent, error)
	Close() error
}

// mariaSource implements Source over the press line's MariaDB event table.
type mariaSource struct {
	db          *sql.DB
	table       string
	clockOffset time.Duration
}

// NewMariaSource opens a connection pool to the upstream event database.
// clockOffset is added to every raw timestamp: the PLC writes naive local
// time that the driver reads back as UTC, so the offset recovers true UTC.
func NewMariaSource(cfg *config.UpstreamConfig, clockOffset time.Duration) (Source, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "parseTime") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping upstream database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	return &mariaSource{db: db, table: cfg.Table, clockOffset: clockOffset}, nil
}

// FetchAfter returns every event with id > lastID, ascending.
func (s *mariaSource) FetchAfter(ctx context.Context, lastID int64) ([]CycleEvent, error) {
	query := fmt.Sprintf(
		"SELECT id, num_maq, `timestamp` FROM %s WHERE id > ? ORDER BY id ASC", s.table)

	rows, err := s.db.QueryContext(ctx, query, lastID)
	if err != nil {
		return nil, fmt.Errorf("failed to query upstream events: %w", err)
	}
	defer rows.Close()

	var events []CycleEvent
	for rows.Next() {
		var (
			ev CycleEvent
			ts time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.MachineCode, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan upstream row: %w", err)
		}
		ev.Timestamp = ts.Add(s.clockOffset)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upstream rows: %w", err)
	}
	return events, nil
}

func (s *mariaSource) Close() error {
	return s.db.Close()
}
