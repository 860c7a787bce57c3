package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/doc2288/streeming-app/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 覆盖所有校验失败（格式、签名、过期），调用方无法区分具体原因。
var ErrInvalidToken = errors.New("invalid token")

// refreshTokenBytes 对应 256 bit 熵。
const refreshTokenBytes = 32

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService 签发与校验访问令牌，并生成不透明的刷新令牌值。
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenService 在密钥缺失时返回错误，应在启动阶段直接终止进程。
func NewTokenService(secret string, accessTTL time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	if accessTTL <= 0 {
		return nil, errors.New("auth: access token ttl must be positive")
	}
	return &TokenService{secret: []byte(secret), accessTTL: accessTTL, now: time.Now}, nil
}

// WithClock 替换时钟，主要供测试使用。
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccess 构造 sub/email/role/iat/exp 声明并使用 HS256 签名。
func (s *TokenService) IssueAccess(userID, email, role string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *TokenService) VerifyAccess(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueRefresh 返回 64 位十六进制的随机值，唯一性由账本的唯一约束兜底。
func (s *TokenService) IssueRefresh() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CanActOn 实现资源授权规则：本人或管理员。
func CanActOn(claims *Claims, ownerID string) bool {
	if claims == nil {
		return false
	}
	return (claims.Subject != "" && claims.Subject == ownerID) || claims.Role == models.RoleAdmin
}
