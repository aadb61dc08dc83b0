package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// ChangeChannel is the Postgres NOTIFY channel carrying source ids whose rows changed
const ChangeChannel = "source_changes"

// NewJobsChannel is notified whenever a pending job is inserted
const NewJobsChannel = "new_jobs"

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host               string
	Port               string
	User               string
	Password           string
	Database           string
	SSLMode            string
	MaxIdleConns       int
	MaxOpenConns       int
	MaxLifetime        time.Duration
	StatementTimeoutMs int
	DatabaseURL        string // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string with a statement timeout applied
func (c *Config) ConnectionString() string {
	dsn := c.DatabaseURL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	}
	return withStatementTimeout(dsn, c.StatementTimeoutMs)
}

// withStatementTimeout appends statement_timeout to URL or key=value DSNs that lack one
func withStatementTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if timeoutMs <= 0 {
		timeoutMs = 60000
	}

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "statement_timeout=" + strconv.Itoa(timeoutMs)
	}
	return dsn + " statement_timeout=" + strconv.Itoa(timeoutMs)
}

func (c *Config) applyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
}

// New creates a new PostgreSQL database connection and ensures the schema exists
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}
	config.applyDefaults()

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.PingContext(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Int("max_idle_conns", config.MaxIdleConns).
		Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// ConfigFromEnv reads connection settings from DATABASE_URL or the POSTGRES_* variables
func ConfigFromEnv() *Config {
	config := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Host:        os.Getenv("POSTGRES_HOST"),
		Port:        os.Getenv("POSTGRES_PORT"),
		User:        os.Getenv("POSTGRES_USER"),
		Password:    os.Getenv("POSTGRES_PASSWORD"),
		Database:    os.Getenv("POSTGRES_DB"),
		SSLMode:     os.Getenv("POSTGRES_SSL_MODE"),
	}

	if v, err := strconv.Atoi(os.Getenv("DB_MAX_OPEN_CONNS")); err == nil && v > 0 {
		config.MaxOpenConns = v
	}
	if v, err := strconv.Atoi(os.Getenv("DB_STATEMENT_TIMEOUT_MS")); err == nil && v > 0 {
		config.StatementTimeoutMs = v
	}

	if config.DatabaseURL != "" {
		return config
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "source_crawler"
	}
	return config
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	return New(ConfigFromEnv())
}

// NewFromClient wraps an existing connection pool without touching the schema
func NewFromClient(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// setupSchema creates the tables, indexes and notify triggers used by the pipeline
func setupSchema(ctx context.Context, db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"sources table", `
			CREATE TABLE IF NOT EXISTS sources (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL,
				team_id TEXT NOT NULL,
				url TEXT NOT NULL,
				source_type TEXT NOT NULL DEFAULT 'website',
				crawl_status TEXT NOT NULL DEFAULT 'pending',
				total_jobs INTEGER NOT NULL DEFAULT 0,
				completed_jobs INTEGER NOT NULL DEFAULT 0,
				failed_jobs INTEGER NOT NULL DEFAULT 0,
				total_content_size BIGINT NOT NULL DEFAULT 0,
				unique_chunks INTEGER NOT NULL DEFAULT 0,
				duplicate_chunks INTEGER NOT NULL DEFAULT 0,
				compression_ratio DOUBLE PRECISION,
				progress REAL NOT NULL DEFAULT 0,
				discovery_completed BOOLEAN NOT NULL DEFAULT FALSE,
				requires_manual_training BOOLEAN NOT NULL DEFAULT FALSE,
				include_paths JSONB NOT NULL DEFAULT '[]'::jsonb,
				exclude_paths JSONB NOT NULL DEFAULT '[]'::jsonb,
				max_pages INTEGER NOT NULL DEFAULT 100,
				pending_removal BOOLEAN NOT NULL DEFAULT FALSE,
				error_message TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_crawled_at TIMESTAMPTZ,
				CONSTRAINT sources_crawl_status_check CHECK (crawl_status IN
					('pending','in_progress','completed','failed','training','trained','recrawling'))
			)`},
		{"source_pages table", `
			CREATE TABLE IF NOT EXISTS source_pages (
				id TEXT PRIMARY KEY,
				parent_source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
				team_id TEXT NOT NULL,
				url TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				processing_status TEXT NOT NULL DEFAULT 'pending',
				retry_count INTEGER NOT NULL DEFAULT 0,
				content_size BIGINT NOT NULL DEFAULT 0,
				compression_ratio DOUBLE PRECISION,
				chunks_created INTEGER NOT NULL DEFAULT 0,
				duplicates_found INTEGER NOT NULL DEFAULT 0,
				processing_time_ms BIGINT NOT NULL DEFAULT 0,
				error_message TEXT,
				content_hash TEXT,
				is_excluded BOOLEAN NOT NULL DEFAULT FALSE,
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (parent_source_id, url)
			)`},
		{"background_jobs table", `
			CREATE TABLE IF NOT EXISTS background_jobs (
				id TEXT PRIMARY KEY,
				job_type TEXT NOT NULL,
				source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
				page_id TEXT REFERENCES source_pages(id) ON DELETE CASCADE,
				idempotency_key TEXT NOT NULL UNIQUE,
				payload JSONB NOT NULL DEFAULT '{}'::jsonb,
				status TEXT NOT NULL DEFAULT 'pending',
				priority INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				error_message TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT background_jobs_attempts_check CHECK (attempts <= max_attempts)
			)`},
		{"source_chunks table", `
			CREATE TABLE IF NOT EXISTS source_chunks (
				source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
				chunk_hash TEXT NOT NULL,
				page_id TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (source_id, chunk_hash)
			)`},
		{"pending claim index", `
			CREATE INDEX IF NOT EXISTS idx_background_jobs_pending_claim
			ON background_jobs (priority DESC, created_at ASC)
			WHERE status = 'pending'`},
		{"processing index", `
			CREATE INDEX IF NOT EXISTS idx_background_jobs_processing_started
			ON background_jobs (started_at)
			WHERE status = 'processing'`},
		{"job page index", `
			CREATE INDEX IF NOT EXISTS idx_background_jobs_page_status
			ON background_jobs (page_id, status)`},
		{"page source index", `
			CREATE INDEX IF NOT EXISTS idx_source_pages_source_status
			ON source_pages (parent_source_id, status)`},
		{"notify function", `
			CREATE OR REPLACE FUNCTION notify_source_change() RETURNS trigger AS $$
			BEGIN
				IF TG_TABLE_NAME = 'sources' THEN
					PERFORM pg_notify('` + ChangeChannel + `', NEW.id);
				ELSE
					PERFORM pg_notify('` + ChangeChannel + `', NEW.parent_source_id);
				END IF;
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`},
		{"new job notify function", `
			CREATE OR REPLACE FUNCTION notify_new_job() RETURNS trigger AS $$
			BEGIN
				IF NEW.status = 'pending' THEN
					PERFORM pg_notify('` + NewJobsChannel + `', NEW.source_id);
				END IF;
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`},
		{"sources notify trigger", `DROP TRIGGER IF EXISTS sources_notify_change ON sources`},
		{"sources notify trigger", `
			CREATE TRIGGER sources_notify_change
			AFTER UPDATE ON sources
			FOR EACH ROW EXECUTE FUNCTION notify_source_change()`},
		{"pages notify trigger", `DROP TRIGGER IF EXISTS source_pages_notify_change ON source_pages`},
		{"pages notify trigger", `
			CREATE TRIGGER source_pages_notify_change
			AFTER INSERT OR UPDATE OF status ON source_pages
			FOR EACH ROW EXECUTE FUNCTION notify_source_change()`},
		{"jobs notify trigger", `DROP TRIGGER IF EXISTS background_jobs_notify_new ON background_jobs`},
		{"jobs notify trigger", `
			CREATE TRIGGER background_jobs_notify_new
			AFTER INSERT OR UPDATE OF status ON background_jobs
			FOR EACH ROW EXECUTE FUNCTION notify_new_job()`},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// GetConfig returns the connection settings
func (db *DB) GetConfig() *Config {
	return db.config
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.client.PingContext(ctx)
}

// Serialise converts a value to a JSON string, returning "{}" on failure
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}
