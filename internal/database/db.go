package database

import (
	"database/sql"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/logger"
)

type DB struct {
	gorm   *gorm.DB
	conn   *sql.DB
	dbType string
	logger *slog.Logger
}

type Config struct {
	Type       string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SQLitePath string
}

func ConfigFrom(cfg config.DatabaseConfig) Config {
	return Config{
		Type:       cfg.Type,
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		Password:   cfg.Password,
		Name:       cfg.Name,
		SQLitePath: cfg.SQLitePath,
	}
}

func NewDB(config Config, log *slog.Logger) (*DB, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			config.Host, config.Port, config.User, config.Password, config.Name)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if config.Type == "sqlite" && config.SQLitePath == ":memory:" {
		// every pooled connection would open its own empty database
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{gorm: gdb, conn: conn, dbType: config.Type, logger: logger.OrDefault(log)}

	// Postgres schema comes from migrations
	if config.Type == "sqlite" {
		if err := db.createTables(); err != nil {
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return db, nil
}

func (db *DB) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		embedding TEXT NOT NULL,
		summary_embedding TEXT,
		thumbnail_path TEXT,
		title TEXT,
		summary_txt TEXT,
		tags TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_videos_created_at ON videos (created_at, id);
	`

	_, err := db.conn.Exec(query)
	return err
}

// RunMigrations applies pending SQL migrations. It is a no-op for SQLite.
func (db *DB) RunMigrations(path string) error {
	return NewMigrator(db.conn, db.dbType, db.logger).Run(path)
}

func (db *DB) Type() string {
	return db.dbType
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) GORM() *gorm.DB {
	return db.gorm
}
