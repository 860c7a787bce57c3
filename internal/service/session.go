package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doc2288/streeming-app/internal/auth"
	"github.com/doc2288/streeming-app/internal/models"
	"github.com/doc2288/streeming-app/internal/store"

	"github.com/google/uuid"
)

// UserStore 是凭据存储的契约。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Create(ctx context.Context, u *models.User) error
}

// RefreshLedger 是刷新令牌账本的契约，所有变更都通过其原子操作完成。
type RefreshLedger interface {
	Store(ctx context.Context, rt *models.RefreshToken) error
	Consume(ctx context.Context, token string) (*models.RefreshToken, error)
	RevokeByValueAndOwner(ctx context.Context, token string, userID uuid.UUID) error
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ClientMeta 记录签发刷新令牌时的客户端信息。
type ClientMeta struct {
	UserAgent string
	IP        string
}

// UserView 是对外输出的用户视图，从不包含密码摘要。
type UserView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AuthResult 是 register/login/refresh 成功后的返回值。
type AuthResult struct {
	AccessToken     string    `json:"accessToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
	RefreshToken    string    `json:"refreshToken"`
	User            UserView  `json:"user"`
}

// SessionService 编排注册、登录、刷新与登出流程。
type SessionService struct {
	users      UserStore
	ledger     RefreshLedger
	tokens     *auth.TokenService
	hasher     auth.PasswordHasher
	refreshTTL time.Duration
	now        func() time.Time
}

func NewSessionService(users UserStore, ledger RefreshLedger, tokens *auth.TokenService, hasher auth.PasswordHasher, refreshTTL time.Duration) *SessionService {
	return &SessionService{
		users:      users,
		ledger:     ledger,
		tokens:     tokens,
		hasher:     hasher,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register 创建用户并直接签发 token 对。输入格式由路由层校验。
func (s *SessionService) Register(ctx context.Context, email, password string, meta ClientMeta) (*AuthResult, error) {
	email = NormalizeEmail(email)
	_, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, ErrEmailTaken
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("register lookup: %w", err)
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("register hash: %w", err)
	}
	user := &models.User{Email: email, PasswordHash: digest, Role: models.RoleUser}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("register create: %w", err)
	}
	return s.grant(ctx, user, meta)
}

// Login 对"用户不存在"和"密码错误"返回同一个错误，避免用户枚举。
func (s *SessionService) Login(ctx context.Context, email, password string, meta ClientMeta) (*AuthResult, error) {
	user, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login lookup: %w", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return s.grant(ctx, user, meta)
}

// Refresh 消费旧令牌并签发新的 token 对（轮换）。旧值在 Consume 时已被删除，
// 因此同一个值第二次使用必然失败。
func (s *SessionService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*AuthResult, error) {
	rec, err := s.ledger.Consume(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("refresh consume: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.users.FindByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("refresh lookup: %w", err)
	}
	return s.grant(ctx, user, meta)
}

// Logout 只撤销属于调用者本人的令牌；令牌不存在也视为成功。
func (s *SessionService) Logout(ctx context.Context, refreshToken string, claims *auth.Claims) error {
	if claims == nil {
		return ErrUnauthenticated
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return ErrUnauthenticated
	}
	if refreshToken == "" {
		return nil
	}
	if err := s.ledger.RevokeByValueAndOwner(ctx, refreshToken, userID); err != nil {
		return fmt.Errorf("logout revoke: %w", err)
	}
	return nil
}

// RevokeAllSessions 撤销目标用户的全部刷新令牌，仅本人或管理员可操作。
func (s *SessionService) RevokeAllSessions(ctx context.Context, claims *auth.Claims, targetUserID string) (int64, error) {
	target, err := uuid.Parse(targetUserID)
	if err != nil {
		return 0, ErrValidation
	}
	if !auth.CanActOn(claims, target.String()) {
		return 0, ErrForbidden
	}
	n, err := s.ledger.RevokeAll(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	return n, nil
}

// WhoAmI 只做签名校验，不访问账本。
func (s *SessionService) WhoAmI(accessToken string) (*auth.Claims, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// PurgeExpired 清理账本中的过期令牌，返回清理数量。
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.ledger.PurgeExpired(ctx, s.now())
}

func (s *SessionService) grant(ctx context.Context, user *models.User, meta ClientMeta) (*AuthResult, error) {
	view := UserView{ID: user.ID.String(), Email: user.Email, Role: user.Role}
	access, accessExp, err := s.tokens.IssueAccess(view.ID, view.Email, view.Role)
	if err != nil {
		return nil, fmt.Errorf("grant access token: %w", err)
	}
	value, err := s.tokens.IssueRefresh()
	if err != nil {
		return nil, fmt.Errorf("grant refresh token: %w", err)
	}
	rec := &models.RefreshToken{
		UserID:    user.ID,
		Token:     value,
		UserAgent: truncate(meta.UserAgent, 512),
		IP:        truncate(meta.IP, 64),
		ExpiresAt: s.now().Add(s.refreshTTL),
	}
	if err := s.ledger.Store(ctx, rec); err != nil {
		return nil, fmt.Errorf("grant store refresh token: %w", err)
	}
	return &AuthResult{
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		RefreshToken:    value,
		User:            view,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
