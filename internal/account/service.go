// Package account manages tenants and their API keys.
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var ErrInvalidInput = errors.New("invalid account input")

const (
	keyPrefix    = "mp_"
	keyPrefixLen = 8
)

type Service struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
	// cost is the bcrypt cost for new keys.
	cost int
}

func NewService(st store.Store, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, clock: clk, logger: logger, cost: bcrypt.DefaultCost}
}

// WithBcryptCost returns a copy of s hashing keys at cost. Tests use bcrypt.MinCost.
func (s *Service) WithBcryptCost(cost int) *Service {
	cp := *s
	cp.cost = cost
	return &cp
}

func (s *Service) CreateTenant(ctx context.Context, name string, rules models.FilterRules) (*models.Tenant, error) {
	if err := validation.Validate(name, validation.Required, validation.Length(1, 255)); err != nil {
		return nil, fmt.Errorf("%w: name %v", ErrInvalidInput, err)
	}
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	tenant := &models.Tenant{
		ID:        uuid.New(),
		Name:      name,
		Filters:   rules,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	s.logger.Info("tenant created", "tenant_id", tenant.ID, "name", name)
	return tenant, nil
}

func (s *Service) UpdateFilters(ctx context.Context, tenantID uuid.UUID, rules models.FilterRules) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	if err := s.store.UpdateTenantFilters(ctx, tenantID, rules); err != nil {
		return fmt.Errorf("update filters: %w", err)
	}
	return nil
}

func validateRules(rules models.FilterRules) error {
	err := validation.ValidateStruct(&rules,
		validation.Field(&rules.MinBodyLength, validation.Min(0)),
		validation.Field(&rules.ExcludeSenders, validation.Each(validation.Required)),
		validation.Field(&rules.ExcludeDomains, validation.Each(validation.Required)),
		validation.Field(&rules.IncludeKeywords, validation.Each(validation.Required)),
		validation.Field(&rules.ExcludeKeywords, validation.Each(validation.Required)),
	)
	if err != nil {
		return fmt.Errorf("%w: filters %v", ErrInvalidInput, err)
	}
	return nil
}

// IssueKey creates an API key and returns it with the raw secret. The raw key is
// never stored and cannot be recovered later.
func (s *Service) IssueKey(ctx context.Context, tenantID uuid.UUID, name string, scopes []string) (*models.APIKey, string, error) {
	err := validation.Errors{
		"name":   validation.Validate(name, validation.Required, validation.Length(1, 100)),
		"scopes": validation.Validate(scopes, validation.Required, validation.Each(validation.In(models.ScopeRead, models.ScopeWrite, models.ScopeAdmin))),
	}.Filter()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.Active() {
		return nil, "", store.ErrTenantInactive
	}

	raw, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	now := s.clock.Now()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	s.logger.Info("api key issued", "tenant_id", tenantID, "key_prefix", key.KeyPrefix, "scopes", scopes)
	return key, raw, nil
}

func (s *Service) ListKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

func (s *Service) RevokeKey(ctx context.Context, tenantID, keyID uuid.UUID) error {
	if err := s.store.RevokeAPIKey(ctx, keyID, tenantID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	s.logger.Info("api key revoked", "tenant_id", tenantID, "key_id", keyID)
	return nil
}

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}
