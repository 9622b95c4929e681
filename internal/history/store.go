// Package history persists risk assessments so past fleet verdicts can be
// reviewed after the controller restarts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/risk"
)

// Config represents history store configuration
type Config struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	// Retention keeps only the newest N assessments, 0 keeps everything.
	Retention int `yaml:"retention" json:"retention"`
}

// Record is one stored assessment
type Record struct {
	ID int64 `json:"id"`
	risk.Assessment
}

// Store writes assessments to a SQL database. It implements
// controller.HistoryRecorder.
type Store struct {
	logger    *zap.Logger
	db        *sql.DB
	driver    string
	retention int
}

// Open connects to the database and creates the schema if needed.
func Open(logger *zap.Logger, config Config) (*Store, error) {
	driver := config.Driver
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch {
	case driver == "sqlite3" && strings.Contains(config.DSN, ":memory:"):
		// Every in-memory connection is a separate database.
		db.SetMaxOpenConns(1)
	case config.MaxOpenConns > 0:
		db.SetMaxOpenConns(config.MaxOpenConns)
	default:
		db.SetMaxOpenConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		logger:    logger.Named("history"),
		db:        db,
		driver:    driver,
		retention: config.Retention,
	}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info("History store opened",
		zap.String("driver", driver),
		zap.Int("retention", config.Retention),
	)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initializeSchema(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	floatType := "REAL"
	if s.driver == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
		floatType = "DOUBLE PRECISION"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS risk_assessments (
			id ` + idColumn + `,
			recorded_at BIGINT NOT NULL,
			level TEXT NOT NULL,
			score INTEGER NOT NULL,
			recommendation TEXT NOT NULL,
			issues TEXT NOT NULL,
			counts TEXT NOT NULL,
			unit_count INTEGER NOT NULL,
			daily_yield ` + floatType + ` NOT NULL,
			yield_baseline ` + floatType + ` NOT NULL,
			yield_deviation INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_assessments_recorded_at ON risk_assessments (recorded_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordAssessment stores one assessment and applies retention.
func (s *Store) RecordAssessment(ctx context.Context, a risk.Assessment) error {
	issues, err := json.Marshal(a.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}
	counts, err := json.Marshal(a.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode counts: %w", err)
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	deviation := 0
	if a.YieldDeviation {
		deviation = 1
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO risk_assessments
		(recorded_at, level, score, recommendation, issues, counts, unit_count, daily_yield, yield_baseline, yield_deviation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ts.UnixNano(), string(a.Level), a.Score, a.Recommendation, string(issues), string(counts),
		a.UnitCount, a.DailyYield, a.YieldBaseline, deviation,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}

	if s.retention > 0 {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM risk_assessments WHERE id NOT IN
			(SELECT id FROM risk_assessments ORDER BY id DESC LIMIT ?)`), s.retention)
		if err != nil {
			return fmt.Errorf("failed to prune assessments: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Debug("Pruned assessments", zap.Int64("rows", n))
		}
	}
	return nil
}

// Recent returns up to limit assessments, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT
		id, recorded_at, level, score, recommendation, issues, counts, unit_count, daily_yield, yield_baseline, yield_deviation
		FROM risk_assessments ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query assessments: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			ts        int64
			level     string
			issues    string
			counts    string
			deviation int
		)
		if err := rows.Scan(&r.ID, &ts, &level, &r.Score, &r.Recommendation, &issues, &counts,
			&r.UnitCount, &r.DailyYield, &r.YieldBaseline, &deviation); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		r.Level = risk.Level(level)
		r.YieldDeviation = deviation != 0
		if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
			return nil, fmt.Errorf("failed to decode issues of assessment %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(counts), &r.Counts); err != nil {
			return nil, fmt.Errorf("failed to decode counts of assessment %d: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored assessments
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_assessments`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
