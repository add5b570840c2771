package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrTenantConflict indicates a known identity presented a different tenant.
	ErrTenantConflict = errors.New("users: identity tenant conflict")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and their tenant bindings.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolvePrincipal returns the canonical (user, tenant) pair for verified
// identity claims, creating a new mapping when the provider+subject pair has
// not been seen before. A known identity presenting a different tenant is
// rejected: identities never move across the tenant isolation boundary.
func (s *Service) ResolvePrincipal(claims auth.IdentityClaims) (auth.Principal, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return auth.Principal{}, ErrInvalidIdentity
	}
	tenantID := normalize(claims.TenantID)
	if tenantID == "" {
		return auth.Principal{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		principal, ok := cached.(auth.Principal)
		if ok {
			if principal.TenantID != tenantID {
				return auth.Principal{}, ErrTenantConflict
			}
			return principal, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:   provider,
			Subject:    subject,
			UserID:     subject,
			TenantID:   tenantID,
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return auth.Principal{}, err
		}
	} else if err != nil {
		return auth.Principal{}, err
	} else {
		if identity.TenantID != tenantID {
			return auth.Principal{}, ErrTenantConflict
		}
		_ = s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Update("last_seen_at", s.now()).
			Error
	}

	principal := auth.Principal{UserID: identity.UserID, TenantID: identity.TenantID}
	s.cache.Store(cacheKey, principal)
	return principal, nil
}

func deriveProviderSubject(claims auth.IdentityClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	if strings.Contains(subject, ":") {
		segments := strings.SplitN(subject, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			provider = normalize(segments[0])
			subject = normalize(segments[1])
		}
	}

	return provider, subject
}
