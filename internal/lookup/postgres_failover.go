package lookup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	postgresDefaultTable     = "user_devices"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresFailoverStore does point lookups against the relational copy of
// the user table. It carries no write path: this service only reads from
// the failover side.
type PostgresFailoverStore struct {
	dsn    string
	table  string
	openDB func(driverName, dsn string) (*sql.DB, error)
	log    zerolog.Logger

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresFailoverStore(dsn, table string, log zerolog.Logger) (*PostgresFailoverStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidInput)
	}
	if strings.TrimSpace(table) == "" {
		table = postgresDefaultTable
	}
	return &PostgresFailoverStore{
		dsn:    dsn,
		table:  table,
		openDB: sql.Open,
		log:    log,
	}, nil
}

func (s *PostgresFailoverStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.db = db
	s.log.Info().Msg("connected to failover store")
	return nil
}

func (s *PostgresFailoverStore) conn() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *PostgresFailoverStore) GetByID(ctx context.Context, userID int64) (*UserRecord, error) {
	db := s.conn()
	if db == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT user_id, COALESCE(consumer_token, ''), COALESCE(platform, ''), COALESCE(device_id, '') FROM %s WHERE user_id = $1 LIMIT 1",
		pq.QuoteIdentifier(s.table))
	var rec UserRecord
	err := db.QueryRowContext(ctx, query, userID).Scan(&rec.UserID, &rec.ConsumerToken, &rec.Platform, &rec.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user %d: %w", userID, err)
	}
	return &rec, nil
}

func (s *PostgresFailoverStore) Ping(ctx context.Context) error {
	db := s.conn()
	if db == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *PostgresFailoverStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
