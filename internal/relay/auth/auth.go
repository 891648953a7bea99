// Package auth 在连接升级之前校验握手凭证并解析出身份。
//
// 令牌按以下优先级查找：
//  1. WebSocket 子协议 "token.<jwt>"（浏览器无法自定义握手头时使用）；
//  2. 查询参数 ?token=<jwt>；
//  3. Authorization: Bearer <jwt>。
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-relay-go/internal/network/acceptor"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

// TokenSubprotocolPrefix 为携带令牌的子协议前缀。
const TokenSubprotocolPrefix = "token."

// Claims 为令牌中携带的声明，id 为必填的用户 ID。
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator 校验 HS256 令牌并通过身份存储确认用户存在且处于激活状态。
type Authenticator struct {
	secret     []byte
	identities storage.IdentityStore
	parser     *jwt.Parser
	now        func() time.Time
}

var _ acceptor.Handshaker = (*Authenticator)(nil)

// Option 用于定制 Authenticator。
type Option func(*Authenticator)

// WithClock 替换当前时间来源，主要用于测试过期逻辑。
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// New 创建 Authenticator。secret 不能为空。
func New(secret string, identities storage.IdentityStore, opts ...Option) (*Authenticator, error) {
	if secret == "" {
		return nil, merr.WrapErrParameterMissing("auth.jwt_secret")
	}
	if identities == nil {
		return nil, merr.WrapErrParameterMissing("identity store")
	}
	a := &Authenticator{
		secret:     []byte(secret),
		identities: identities,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a, nil
}

// Handshake 实现 acceptor.Handshaker，返回的 principal 为 storage.Identity。
func (a *Authenticator) Handshake(r *http.Request) (any, error) {
	identity, err := a.Authenticate(r.Context(), ExtractToken(r))
	if err != nil {
		log.Ctx(r.Context()).Info("handshake refused",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return nil, err
	}
	return identity, nil
}

// Authenticate 校验令牌并查询身份。
func (a *Authenticator) Authenticate(ctx context.Context, token string) (storage.Identity, error) {
	userID, err := a.Verify(token)
	if err != nil {
		return storage.Identity{}, err
	}

	identity, err := a.identities.Lookup(ctx, userID)
	switch {
	case errors.Is(err, merr.ErrIdentityNotFound):
		return storage.Identity{}, merr.WrapErrAuthUserInactive(userID)
	case err != nil:
		return storage.Identity{}, merr.WrapErrAuthFailed(err)
	case !identity.Active:
		return storage.Identity{}, merr.WrapErrAuthUserInactive(userID)
	}
	return identity, nil
}

// Verify 校验签名与过期时间，返回令牌中的用户 ID。
func (a *Authenticator) Verify(token string) (string, error) {
	if token == "" {
		return "", merr.ErrAuthTokenRequired
	}
	var claims Claims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", merr.ErrAuthTokenExpired
		}
		return "", merr.WrapErrAuthTokenInvalid(err)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return "", merr.ErrAuthTokenPayload
	}
	return claims.ID, nil
}

// ExtractToken 按优先级从握手请求中取出令牌，未找到时返回空字符串。
func ExtractToken(r *http.Request) string {
	for _, proto := range websocket.Subprotocols(r) {
		if token, ok := strings.CutPrefix(proto, TokenSubprotocolPrefix); ok && token != "" {
			return token
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Mint 使用共享密钥签发一个 HS256 令牌，ttl <= 0 时不设置过期时间。
//
// 令牌签发属于外部身份服务的职责，这里只用于开发与测试。
func Mint(secret, userID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", merr.WrapErrParameterMissing("auth.jwt_secret")
	}
	claims := Claims{
		ID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
