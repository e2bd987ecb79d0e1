package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"Revenue-API/pkg/logger"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
)

// Service 对外提供两件事：签发令牌（Authenticate）与校验请求
// （AuthenticateRequest）。具体实现按配置走本地 JWT 或外部 OAuth。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	oauth *oauthClient
	audit *slog.Logger
}

// NewService 按配置装配认证服务，并在启动阶段写入种子账号。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires a user store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 86400
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
		}
	case ModeOAuth:
		client, err := newOAuthClient(cfg.OAuth)
		if err != nil {
			return nil, err
		}
		svc.oauth = client
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := applySeeds(ctx, store, cfg.Seeds); err != nil {
		return nil, err
	}
	return svc, nil
}

// applySeeds 把种子账号写入支持 SeedWriter 的存储，其它存储静默跳过。
func applySeeds(ctx context.Context, store Store, seeds []Seed) error {
	if len(seeds) == 0 || store == nil {
		return nil
	}
	writer, ok := store.(SeedWriter)
	if !ok {
		return nil
	}
	for _, seed := range seeds {
		if err := writer.ApplySeed(ctx, seed); err != nil {
			return fmt.Errorf("apply seed %s: %w", seed.Username, err)
		}
	}
	return nil
}

// Mode 返回服务当前的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 用凭据换取令牌对。禁用模式下直接拒绝。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	switch s.mode {
	case ModeJWT:
		return s.passwordGrant(ctx, req)
	case ModeOAuth:
		if s.oauth == nil {
			return nil, errors.New("oauth client not configured")
		}
		return s.oauth.exchange(ctx, req)
	default:
		return nil, ErrDisabled
	}
}

// passwordGrant 校验用户名密码并签发本地 JWT。
func (s *Service) passwordGrant(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant != "" && grant != grantTypePassword {
		return nil, ErrUnsupportedGrant
	}
	if s.store == nil {
		return nil, errors.New("user store not configured")
	}
	if s.jwt == nil {
		return nil, errors.New("jwt manager not initialised")
	}

	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	subject, err := s.loadActiveSubject(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	pair.TokenType = "Bearer"
	return pair, nil
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}
	switch s.mode {
	case ModeJWT:
		return s.subjectFromJWT(ctx, token)
	case ModeOAuth:
		return s.subjectFromIntrospection(ctx, token)
	default:
		return nil, ErrDisabled
	}
}

// bearerToken 从 Authorization 头里剥出 bearer 令牌。
func bearerToken(authorization string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// subjectFromJWT 校验本地签发的访问令牌。刷新令牌不能用来访问接口。
func (s *Service) subjectFromJWT(ctx context.Context, token string) (*Subject, error) {
	if s.jwt == nil {
		return nil, errors.New("jwt manager not initialised")
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if s.store == nil {
		return nil, errors.New("user store not configured")
	}
	return s.loadActiveSubject(ctx, userID)
}

// subjectFromIntrospection 通过外部内省端点校验令牌。没有本地用户目录时
// 直接信任外部身份；有目录时合并外部 scope 与本地权限。
func (s *Service) subjectFromIntrospection(ctx context.Context, token string) (*Subject, error) {
	if s.oauth == nil {
		return nil, errors.New("oauth client not configured")
	}
	info, err := s.oauth.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, ErrInvalidToken
	}
	username := info.Username
	if username == "" {
		username = info.Subject
	}
	if username == "" {
		return nil, ErrInvalidToken
	}
	if s.store == nil {
		return &Subject{Username: username, Roles: info.Roles, Permissions: info.Permissions}, nil
	}
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.loadActiveSubject(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	subject.Permissions = mergePermissions(subject.Permissions, info.Permissions)
	subject.permissionsSet = nil
	subject.normalise()
	return subject, nil
}

// loadActiveSubject 加载主体并拒绝已禁用的账号。
func (s *Service) loadActiveSubject(ctx context.Context, userID int64) (*Subject, error) {
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

func mergePermissions(local, external []string) []string {
	if len(external) == 0 {
		return local
	}
	seen := make(map[string]struct{}, len(local)+len(external))
	merged := make([]string, 0, len(local)+len(external))
	for _, perm := range append(append([]string(nil), local...), external...) {
		if _, ok := seen[perm]; ok {
			continue
		}
		seen[perm] = struct{}{}
		merged = append(merged, perm)
	}
	return merged
}
