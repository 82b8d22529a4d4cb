package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Статусы компонентов и сервиса
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// KafkaChecker проверяет доступность брокеров Kafka
type KafkaChecker func(brokers []string) error

// componentCheck проверка одного компонента. Отказ critical-компонента делает
// сервис неготовым, отказ остальных переводит его в degraded.
type componentCheck struct {
	name     string
	critical bool
	check    func(ctx context.Context) error
}

// ComponentStatus результат проверки компонента
type ComponentStatus struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse представляет ответ проверки здоровья
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// HealthHandler отдаёт health, readiness и liveness
type HealthHandler struct {
	checks  []componentCheck
	started time.Time
}

// NewHealthHandler создает обработчик здоровья. checker == nil означает CheckKafkaHealth.
func NewHealthHandler(db DBHealth, redisClient RedisHealth, kafkaBrokers []string, checker KafkaChecker) *HealthHandler {
	if checker == nil {
		checker = CheckKafkaHealth
	}
	return &HealthHandler{
		started: time.Now(),
		checks: []componentCheck{
			{name: "database", critical: true, check: func(context.Context) error { return db.Health() }},
			{name: "redis", check: redisClient.Health},
			{name: "kafka", check: func(context.Context) error { return checker(kafkaBrokers) }},
		},
	}
}

// Health проверяет все компоненты и возвращает подробный отчёт
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components, status := h.run(ctx)
	code := http.StatusOK
	if status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, code, HealthResponse{
		Status:     status,
		Components: components,
		Version:    "1.0.0",
		Uptime:     time.Since(h.started).String(),
	})
}

// Readiness сообщает, может ли сервис принимать погашения
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components, status := h.run(ctx)
	if status == statusUnhealthy {
		for name, c := range components {
			if c.Critical && c.Status != statusHealthy {
				writeErrorResponse(w, http.StatusServiceUnavailable, name+" not ready")
				return
			}
		}
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready", "mode": status})
}

// Liveness проверяет, что процесс жив
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(h.started).String(),
	})
}

// run выполняет проверки параллельно и сводит общий статус
func (h *HealthHandler) run(ctx context.Context) (map[string]ComponentStatus, string) {
	results := make([]ComponentStatus, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func(i int, c componentCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.check(ctx)
			res := ComponentStatus{
				Status:    statusHealthy,
				Critical:  c.critical,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = statusUnhealthy
				res.Error = err.Error()
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	overall := statusHealthy
	components := make(map[string]ComponentStatus, len(h.checks))
	for i, c := range h.checks {
		res := results[i]
		components[c.name] = res
		if res.Status == statusHealthy {
			continue
		}
		if c.critical {
			overall = statusUnhealthy
		} else if overall == statusHealthy {
			overall = statusDegraded
		}
	}
	return components, overall
}

// CheckKafkaHealth проверяет доступность брокеров Kafka
func CheckKafkaHealth(brokers []string) error {
	return checkKafkaHealth(brokers)
}

func checkKafkaHealth(brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 3 * time.Second
	cfg.Net.ReadTimeout = 3 * time.Second
	cfg.Net.WriteTimeout = 3 * time.Second
	cfg.Metadata.Retry.Max = 0

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return errors.New("no reachable brokers")
	}
	return nil
}
