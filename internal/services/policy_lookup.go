package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/database"
	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"
	"instrument-ledger/internal/redis"

	"gopkg.in/yaml.v3"
)

// PolicyStore читает политики компенсации из таблицы compensation_policies
type PolicyStore struct {
	db *database.DB
}

// NewPolicyStore создает PolicyStore
func NewPolicyStore(db *database.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

func (s *PolicyStore) Get(ctx context.Context, tenantID, policyID string) (*models.CompensationPolicy, error) {
	query := `
		SELECT id, tenant_id, category, compensation_type, compensation_value, max_discount_amount, validity_days, active
		FROM compensation_policies
		WHERE tenant_id = $1 AND id = $2
	`
	p := &models.CompensationPolicy{}
	if err := s.db.QueryRowContext(ctx, query, tenantID, policyID).Scan(
		&p.ID, &p.TenantID, &p.Category, &p.CompensationType, &p.CompensationValue,
		&p.MaxDiscountAmount, &p.ValidityDays, &p.Active,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.PolicyNotFound("compensation policy not found", err)
		}
		return nil, apperror.Storage("get policy", err)
	}
	return p, nil
}

type policyCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// CachedPolicyLookup кеширует политики в Redis. Ошибки кеша не ломают выпуск:
// запрос уходит в источник.
type CachedPolicyLookup struct {
	next  PolicyLookup
	cache policyCache
	ttl   time.Duration
	log   *logger.Logger
}

// NewCachedPolicyLookup создает кеширующую обёртку. Без клиента Redis возвращает next.
func NewCachedPolicyLookup(next PolicyLookup, client *redis.Client, ttl time.Duration, log *logger.Logger) PolicyLookup {
	if client == nil || ttl <= 0 {
		return next
	}
	return &CachedPolicyLookup{next: next, cache: client, ttl: ttl, log: log}
}

func (c *CachedPolicyLookup) Get(ctx context.Context, tenantID, policyID string) (*models.CompensationPolicy, error) {
	key := redis.GenerateKey(redis.KeyPrefixPolicy, tenantID, policyID)

	var cached models.CompensationPolicy
	err := c.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		c.log.WithError(err).WithField("key", key).Warn("Policy cache read failed")
	}

	policy, err := c.next.Get(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetJSON(ctx, key, policy, c.ttl); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Policy cache write failed")
	}
	return policy, nil
}

// Invalidate сбрасывает кеш политик тенанта
func (c *CachedPolicyLookup) Invalidate(ctx context.Context, tenantID string) error {
	return c.cache.DeleteByPrefix(ctx, redis.GenerateKey(redis.KeyPrefixPolicy, tenantID)+":")
}

// Политика с tenant_id "*" действует для всех тенантов
const anyTenant = "*"

type policyCatalogEntry struct {
	models.CompensationPolicy `yaml:",inline"`
	Disabled                  bool `yaml:"disabled"`
}

type policyCatalogFile struct {
	Policies []policyCatalogEntry `yaml:"policies"`
}

// FileCatalog источник политик из YAML-файла для инсталляций без таблицы политик
type FileCatalog struct {
	mu       sync.RWMutex
	path     string
	policies map[string]*models.CompensationPolicy
}

// LoadFileCatalog читает и проверяет каталог политик
func LoadFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload перечитывает файл каталога. При ошибке прежнее содержимое сохраняется.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read policy catalog: %w", err)
	}
	policies, err := parsePolicyCatalog(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.policies = policies
	c.mu.Unlock()
	return nil
}

func (c *FileCatalog) Get(_ context.Context, tenantID, policyID string) (*models.CompensationPolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.policies[catalogKey(tenantID, policyID)]; ok {
		cp := *p
		return &cp, nil
	}
	if p, ok := c.policies[catalogKey(anyTenant, policyID)]; ok {
		cp := *p
		cp.TenantID = tenantID
		return &cp, nil
	}
	return nil, apperror.PolicyNotFound("compensation policy not found", nil)
}

func parsePolicyCatalog(data []byte) (map[string]*models.CompensationPolicy, error) {
	var file policyCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy catalog: %w", err)
	}

	policies := make(map[string]*models.CompensationPolicy, len(file.Policies))
	for i := range file.Policies {
		p := file.Policies[i].CompensationPolicy
		p.Active = !file.Policies[i].Disabled
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("policy catalog entry %d has no id", i)
		}
		if p.TenantID == "" {
			p.TenantID = anyTenant
		}
		if msg := validatePolicy(&p); msg != "" {
			return nil, fmt.Errorf("policy %s: %s", p.ID, msg)
		}
		key := catalogKey(p.TenantID, p.ID)
		if _, dup := policies[key]; dup {
			return nil, fmt.Errorf("policy %s is defined twice for tenant %s", p.ID, p.TenantID)
		}
		policies[key] = &p
	}
	return policies, nil
}

func catalogKey(tenantID, policyID string) string {
	return tenantID + "/" + policyID
}

// CustomerStore проверяет клиентов по таблице customers окружающего приложения
type CustomerStore struct {
	db *database.DB
}

// NewCustomerStore создает CustomerStore
func NewCustomerStore(db *database.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

func (s *CustomerStore) Exists(ctx context.Context, tenantID, customerID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM customers WHERE tenant_id = $1 AND id = $2)`
	if err := s.db.QueryRowContext(ctx, query, tenantID, customerID).Scan(&exists); err != nil {
		return false, apperror.Storage("check customer", err)
	}
	return exists, nil
}
