package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	obsmetrics "github.com/smallbiznis/consentflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/consentflow/internal/observability/tracing"
	tenantdomain "github.com/smallbiznis/consentflow/internal/tenant/domain"
	"github.com/smallbiznis/consentflow/internal/token/domain"
	"github.com/smallbiznis/consentflow/pkg/mask"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Repo       domain.Repository
	TenantRepo tenantdomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.TokenConfig
	tokenURL   string
	client     *http.Client
	clock      clock.Clock
	repo       domain.Repository
	tenantRepo tenantdomain.Repository

	mu    sync.Mutex
	locks map[snowflake.ID]*sync.Mutex
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("token").With(zap.String("component", "token_lifecycle")),
		cfg:        p.Config.Token,
		tokenURL:   p.Config.Registry.TokenURL,
		client:     obstracing.WrapHTTPClient(&http.Client{Timeout: p.Config.Registry.HTTPTimeout}),
		clock:      p.Clock,
		repo:       p.Repo,
		tenantRepo: p.TenantRepo,
		locks:      make(map[snowflake.ID]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding token acquisition for the tenant.
// In LockGlobal mode all tenants share one mutex, which bounds the total
// outbound grant rate to one in flight for the whole process.
func (s *Service) lockFor(tenantID snowflake.ID) *sync.Mutex {
	if s.cfg.LockGlobal {
		tenantID = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[tenantID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[tenantID] = lk
	}
	return lk
}

func (s *Service) GetToken(ctx context.Context, tenantID snowflake.ID, forceReset bool) (*domain.Token, error) {
	lk := s.lockFor(tenantID)
	lk.Lock()
	defer lk.Unlock()

	now := s.clock.Now()

	current, err := s.repo.Get(ctx, s.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	// A halt window always wins, even over a forced reset: the forced
	// reset path exists for auth failures, not for punching through a
	// registry cool-down.
	if current != nil && current.Halted(now) {
		return nil, &domain.RateLimitedError{TenantID: tenantID, HaltedUntil: *current.HaltedUntil}
	}

	if !forceReset && current != nil && current.AccessUsable(now, s.cfg.RefreshBuffer) {
		return current, nil
	}

	tenant, err := s.tenantRepo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant credentials: %w", err)
	}
	if !tenant.Enabled {
		return nil, tenantdomain.ErrDisabled
	}

	metrics := obsmetrics.Pipeline()

	operation := domain.OperationNew
	var grant *grantResponse
	if !forceReset && current != nil && current.RefreshUsable(now) {
		operation = domain.OperationRefresh
		grant, err = s.refreshGrant(ctx, current.RefreshToken)
		if err != nil {
			metrics.IncTokenGrant(domain.OperationRefresh, "failed")
			s.log.Warn("refresh grant failed, falling back to password grant",
				zap.Int64("tenant_id", int64(tenantID)),
				zap.Error(err),
			)
			operation = domain.OperationNew
			grant = nil
		}
	}
	if grant == nil {
		grant, err = s.passwordGrant(ctx, tenant.Username, tenant.Password)
		if err != nil {
			metrics.IncTokenGrant(domain.OperationNew, "failed")
			return nil, fmt.Errorf("%w: %v", domain.ErrGrantFailed, err)
		}
	}

	// Validity is derived from expires_in against our own clock; remote
	// wall-clock drift must not shorten or extend the token's life.
	now = s.clock.Now()
	token := &domain.Token{
		TenantID:          tenantID,
		AccessToken:       grant.AccessToken,
		RefreshToken:      grant.RefreshToken,
		AccessValidUntil:  now.Add(time.Duration(grant.ExpiresIn) * time.Second),
		RefreshValidUntil: now.Add(time.Duration(grant.RefreshExpiresIn) * time.Second),
	}

	if err := s.repo.Save(ctx, s.db, token); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}

	host, _ := os.Hostname()
	if err := s.repo.AppendAudit(ctx, s.db, &domain.AuditEntry{
		TenantID:           tenantID,
		Operation:          operation,
		AccessFingerprint:  mask.Token(token.AccessToken),
		RefreshFingerprint: mask.Token(token.RefreshToken),
		Host:               host,
	}); err != nil {
		s.log.Warn("token audit write failed", zap.Int64("tenant_id", int64(tenantID)), zap.Error(err))
	}

	metrics.IncTokenGrant(operation, "ok")
	s.log.Info("registry token acquired",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("operation", operation),
		zap.String("access_fingerprint", mask.Token(token.AccessToken)),
		zap.Time("access_valid_until", token.AccessValidUntil),
	)

	return token, nil
}

func (s *Service) Halt(ctx context.Context, tenantID snowflake.ID, until time.Time) error {
	lk := s.lockFor(tenantID)
	lk.Lock()
	defer lk.Unlock()

	s.log.Warn("halting registry calls for tenant",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.Time("until", until),
	)
	return s.repo.SetHalt(ctx, s.db, tenantID, until)
}

type grantResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

func (s *Service) passwordGrant(ctx context.Context, username, password string) (*grantResponse, error) {
	values := url.Values{}
	values.Set("grant_type", "password")
	values.Set("username", username)
	values.Set("password", password)
	return s.tokenRequest(ctx, values)
}

func (s *Service) refreshGrant(ctx context.Context, refreshToken string) (*grantResponse, error) {
	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", refreshToken)
	return s.tokenRequest(ctx, values)
}

func (s *Service) tokenRequest(ctx context.Context, values url.Values) (*grantResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var grant grantResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if grant.AccessToken == "" || grant.ExpiresIn <= 0 {
		return nil, fmt.Errorf("token endpoint returned incomplete grant")
	}
	return &grant, nil
}
