package metrics

import (
	"database/sql"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	once    sync.Once
	pending []prometheus.Collector
)

// register вызывается из init() каждого файла метрик
func register(cs ...prometheus.Collector) {
	pending = append(pending, cs...)
}

// MustRegister регистрирует все накопленные коллекторы ровно один раз
func MustRegister() {
	once.Do(func() {
		if len(pending) > 0 {
			prometheus.MustRegister(pending...)
		}
	})
}

// RegisterDBStats экспортирует статистику пула соединений PostgreSQL
func RegisterDBStats(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, "instrument_ledger"))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

func norm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}
