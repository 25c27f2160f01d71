package lookup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/trinodb/trino-go-client/trino"
)

const trinoScanTimeout = 5 * time.Minute

// TrinoBulkSource reads the authoritative user table out of the lake in a
// single full scan. The table name is expected as catalog.schema.table.
type TrinoBulkSource struct {
	dsn    string
	table  string
	openDB func(driverName, dsn string) (*sql.DB, error)
	log    zerolog.Logger

	mu sync.Mutex
	db *sql.DB
}

func NewTrinoBulkSource(dsn, table string, log zerolog.Logger) (*TrinoBulkSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty trino dsn", ErrInvalidInput)
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("%w: empty trino table", ErrInvalidInput)
	}
	return &TrinoBulkSource{
		dsn:    dsn,
		table:  table,
		openDB: sql.Open,
		log:    log,
	}, nil
}

func (s *TrinoBulkSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("trino", s.dsn)
	if err != nil {
		return fmt.Errorf("open trino: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping trino: %w", err)
	}
	s.db = db
	s.log.Info().Msg("connected to bulk source")
	return nil
}

func (s *TrinoBulkSource) conn() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *TrinoBulkSource) ScanAll(ctx context.Context) ([]UserRecord, error) {
	db := s.conn()
	if db == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, trinoScanTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT user_id, COALESCE(consumer_token, ''), COALESCE(platform, ''), COALESCE(device_id, '') FROM %s", s.table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}
	defer rows.Close()

	var records []UserRecord
	for rows.Next() {
		var rec UserRecord
		if err := rows.Scan(&rec.UserID, &rec.ConsumerToken, &rec.Platform, &rec.DeviceID); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}
	s.log.Info().Int("records", len(records)).Msg("bulk scan complete")
	return records, nil
}

func (s *TrinoBulkSource) Ping(ctx context.Context) error {
	db := s.conn()
	if db == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *TrinoBulkSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
