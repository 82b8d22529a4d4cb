package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/clock"
	"instrument-ledger/internal/config"
	"instrument-ledger/internal/database"
	"instrument-ledger/internal/handlers"
	"instrument-ledger/internal/kafka"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/metrics"
	"instrument-ledger/internal/models"
	"instrument-ledger/internal/redis"
	"instrument-ledger/internal/services"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Фабричные функции для подключения внешних сервисов (подменяемые в тестах).
var (
	dbConnect        = database.Connect
	redisConnect     = redis.Connect
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
	kafkaHealthCheck = handlers.CheckKafkaHealth
	loadConfig       = config.Load
	newLogger        = logger.New
)

// application агрегирует собранные зависимости.
type application struct {
	cfg         *config.Config
	log         *logger.Logger
	db          *database.DB
	redis       *redis.Client
	producer    *kafka.Producer
	consumer    *kafka.Consumer
	sweeper     *services.ExpirySweeper
	catalog     *services.FileCatalog
	mux         *http.ServeMux
	server      *http.Server
	stopSweeper context.CancelFunc
}

// routeHandlers HTTP-обработчики, которые монтирует setupRoutes
type routeHandlers struct {
	vouchers   *handlers.VoucherHandler
	giftCards  *handlers.GiftCardHandler
	redemption *handlers.RedemptionHandler
	admin      *handlers.AdminHandler
	health     *handlers.HealthHandler
	rateLimit  *handlers.RateLimitHandler
}

func main() {
	app, err := buildApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build app: %v\n", err)
		os.Exit(1)
	}
	app.log.Info("Starting instrument ledger server...")

	go func() {
		app.log.WithField("address", app.server.Addr).Info("HTTP server starting")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		// SIGHUP перечитывает файловый каталог политик
		if app.catalog == nil {
			continue
		}
		if err := app.catalog.Reload(); err != nil {
			app.log.WithError(err).Error("Policy catalog reload failed, keeping previous catalog")
			continue
		}
		app.log.Info("Policy catalog reloaded")
	}
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.stopSweeper()
	_ = app.consumer.Stop()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.WithError(err).Error("Server forced to shutdown")
	}
	_ = app.producer.Close()
	_ = app.redis.Close()
	_ = app.db.Close()
	app.log.Info("Server exited")
}

// buildApplication создает все зависимости (подменяемые в тестах).
func buildApplication() (*application, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := newLogger(&cfg.Logger)

	db, err := dbConnect(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		if err := metrics.RegisterDBStats(db.DB); err != nil {
			log.WithError(err).Warn("Failed to register database pool metrics")
		}
	}

	redisClient, err := redisConnect(&cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	producer, err := newKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	consumer, err := newKafkaConsumer(&cfg.Kafka, log)
	if err != nil {
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	closeAll := func() {
		_ = consumer.Stop()
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
	}

	var (
		source  services.PolicyLookup
		catalog *services.FileCatalog
	)
	switch cfg.Policy.Source {
	case "file":
		catalog, err = services.LoadFileCatalog(cfg.Policy.CatalogFile)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("policy catalog: %w", err)
		}
		source = catalog
	default:
		source = services.NewPolicyStore(db)
	}
	policies := services.NewCachedPolicyLookup(source, redisClient, time.Duration(cfg.Policy.CacheTTLSeconds)*time.Second, log)

	clk := clock.Real()
	customers := services.NewCustomerStore(db)

	voucherService := services.NewVoucherService(db, log, clk, policies, customers, producer, &cfg.Voucher)
	giftCardService := services.NewGiftCardService(db, log, clk, customers, producer,
		services.NewCodeGenerator("GC", cfg.Voucher.CodeLength), cfg.Voucher.CodeAttempts)
	gateway := services.NewRedemptionGateway(voucherService, giftCardService, log)
	sweeper := services.NewExpirySweeper(db, log, clk, producer, cfg.Sweep.BatchSize, time.Duration(cfg.Sweep.IntervalSeconds)*time.Second)
	rateLimiter := services.NewRateLimiter(redisClient, log, clk, &cfg.RateLimit)

	var invalidator handlers.PolicyCacheInvalidator
	if cached, ok := policies.(*services.CachedPolicyLookup); ok {
		invalidator = cached
	}

	routes := routeHandlers{
		vouchers:   handlers.NewVoucherHandler(voucherService, log),
		giftCards:  handlers.NewGiftCardHandler(giftCardService, log),
		redemption: handlers.NewRedemptionHandler(gateway, log),
		admin:      handlers.NewAdminHandler(sweeper, invalidator, log),
		health:     handlers.NewHealthHandler(db, redisClient, cfg.Kafka.Brokers, kafkaHealthCheck),
		rateLimit:  handlers.NewRateLimitHandler(rateLimiter, log, &cfg.RateLimit),
	}

	registerEventHandlers(consumer, voucherService, log)
	if err := consumer.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("kafka consumer start: %w", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	if cfg.Sweep.Enabled {
		go func() {
			if err := sweeper.Run(sweepCtx); err != nil && err != context.Canceled {
				log.WithError(err).Error("Expiry sweeper stopped")
			}
		}()
	}

	mux := setupRoutes(routes, rateLimiter, &cfg.Metrics, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &application{
		cfg:         cfg,
		log:         log,
		db:          db,
		redis:       redisClient,
		producer:    producer,
		consumer:    consumer,
		sweeper:     sweeper,
		catalog:     catalog,
		mux:         mux,
		server:      server,
		stopSweeper: stopSweeper,
	}, nil
}

// setupRoutes настраивает маршруты HTTP сервера
func setupRoutes(h routeHandlers, limiter handlers.MiddlewareLimiter, metricsCfg *config.MetricsConfig, log *logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	applyAPI := func(next http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(handlers.RateLimitMiddleware(limiter, log, next))
	}

	// Health check endpoints
	mux.HandleFunc("/health", corsMiddleware(h.health.Health))
	mux.HandleFunc("/health/readiness", corsMiddleware(h.health.Readiness))
	mux.HandleFunc("/health/liveness", corsMiddleware(h.health.Liveness))

	if metricsCfg != nil && metricsCfg.Enabled {
		metrics.MustRegister()
		mux.Handle(metricsCfg.Path, promhttp.Handler())
	}

	// Voucher endpoints
	mux.HandleFunc("/api/vouchers", applyAPI(handleVouchersRoute(h.vouchers)))
	mux.HandleFunc("/api/vouchers/", applyAPI(handleVoucherRoute(h.vouchers)))

	// Gift card endpoints
	mux.HandleFunc("/api/gift-cards", applyAPI(handleGiftCardsRoute(h.giftCards)))
	mux.HandleFunc("/api/gift-cards/", applyAPI(handleGiftCardRoute(h.giftCards)))

	// Checkout redemption
	mux.HandleFunc("/api/redemptions", applyAPI(h.redemption.Redeem))

	// Admin endpoints
	mux.HandleFunc("/api/admin/expiry-sweep", applyAPI(h.admin.RunExpirySweep))
	mux.HandleFunc("/api/admin/policy-cache/invalidate", applyAPI(h.admin.InvalidatePolicies))

	// Rate limit status
	mux.HandleFunc("/api/rate-limit/status", applyAPI(h.rateLimit.Status))

	return mux
}

// handleVouchersRoute обрабатывает маршруты для коллекции ваучеров
func handleVouchersRoute(handler *handlers.VoucherHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handler.ListVouchers(w, r)
		case http.MethodPost:
			handler.IssueVoucher(w, r)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// handleVoucherRoute обрабатывает маршруты для отдельного ваучера
func handleVoucherRoute(handler *handlers.VoucherHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/approve"):
			handler.ApproveVoucher(w, r)
		case strings.HasSuffix(r.URL.Path, "/reject"):
			handler.RejectVoucher(w, r)
		case strings.HasSuffix(r.URL.Path, "/redeem"):
			handler.RedeemVoucher(w, r)
		default:
			handler.GetVoucher(w, r)
		}
	}
}

// handleGiftCardsRoute обрабатывает маршруты для коллекции подарочных карт
func handleGiftCardsRoute(handler *handlers.GiftCardHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handler.ListGiftCards(w, r)
		case http.MethodPost:
			handler.IssueGiftCard(w, r)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// handleGiftCardRoute обрабатывает маршруты для отдельной карты
func handleGiftCardRoute(handler *handlers.GiftCardHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/apply"):
			handler.ApplyGiftCard(w, r)
		case strings.HasSuffix(r.URL.Path, "/disable"):
			handler.DisableGiftCard(w, r)
		case strings.HasSuffix(r.URL.Path, "/transactions"):
			handler.GetTransactions(w, r)
		default:
			handler.GetGiftCard(w, r)
		}
	}
}

// voucherIssuer выпуск ваучера по входящему событию
type voucherIssuer interface {
	Issue(ctx context.Context, tenantID string, req *models.IssueVoucherRequest) (*models.Voucher, error)
}

// eventRegistrar регистрация обработчиков событий (kafka.Consumer)
type eventRegistrar interface {
	RegisterHandler(eventType models.EventType, handler kafka.EventHandler)
}

// registerEventHandlers регистрирует обработчики событий Kafka
func registerEventHandlers(consumer eventRegistrar, vouchers voucherIssuer, log *logger.Logger) {
	consumer.RegisterHandler(models.EventTypeCompensationGranted, func(ctx context.Context, event *models.Event) error {
		var data models.CompensationGrantedData
		if err := event.DecodeData(&data); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Warn("Skipping malformed compensation event")
			return nil
		}

		req := &models.IssueVoucherRequest{
			CustomerID: data.CustomerID,
			PolicyID:   data.PolicyID,
		}
		if data.ComplaintID != "" {
			complaintID := data.ComplaintID
			req.ComplaintID = &complaintID
		}

		voucher, err := vouchers.Issue(ctx, event.TenantID, req)
		if err != nil {
			// Повтор имеет смысл только при недоступности хранилища
			if apperror.Is(err, apperror.KindStorageUnavailable) {
				return err
			}
			log.WithError(err).WithFields(map[string]interface{}{
				"event_id":  event.ID,
				"tenant_id": event.TenantID,
				"policy_id": data.PolicyID,
			}).Warn("Compensation event rejected")
			return nil
		}

		log.WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"voucher_id": voucher.ID,
		}).Info("Voucher issued from compensation event")
		return nil
	})
}

// corsMiddleware и другие helper функции
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, Idempotency-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	type errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}
