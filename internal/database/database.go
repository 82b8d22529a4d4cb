package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"instrument-ledger/internal/config"
	"instrument-ledger/internal/logger"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// DB обёртка над пулом соединений PostgreSQL
type DB struct {
	*sql.DB
}

// Подменяются в тестах.
var (
	openDB         = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }
	connectBackoff = time.Second
)

// Connect открывает пул соединений и ждёт готовности базы: пинг повторяется
// cfg.ConnectAttempts раз с линейно растущей паузой.
func Connect(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	sqlDB, err := openDB(buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = sqlDB.PingContext(ctx)
		cancel()
		if err == nil {
			break
		}
		if attempt >= attempts {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to ping database after %d attempts: %w", attempt, err)
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Database not ready, retrying")
		time.Sleep(connectBackoff * time.Duration(attempt))
	}

	log.WithFields(map[string]interface{}{
		"host": cfg.Host,
		"db":   cfg.DBName,
	}).Info("Successfully connected to database")

	return &DB{DB: sqlDB}, nil
}

// buildDSN собирает строку подключения lib/pq в формате key=value
func buildDSN(cfg *config.DatabaseConfig) string {
	pairs := []struct{ key, value string }{
		{"host", cfg.Host},
		{"port", cfg.Port},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"dbname", cfg.DBName},
		{"sslmode", cfg.SSLMode},
		{"connect_timeout", "5"},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteDSNValue(p.value))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue экранирует значение по правилам libpq: пробелы и кавычки
// требуют одинарных кавычек, а ' и \ внутри экранируются обратным слэшем.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Migrate применяет схему инструментов (идемпотентно, IF NOT EXISTS)
func (db *DB) Migrate(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return errors.New("database is not initialized")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Health проверяет соединение с базой
func (db *DB) Health() error {
	if db == nil || db.DB == nil {
		return errors.New("database is not initialized")
	}
	return db.Ping()
}

// Close закрывает пул соединений
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// IsUniqueViolation сообщает, нарушено ли ограничение уникальности (SQLSTATE 23505).
// Пустой constraint совпадает с любым ограничением.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
