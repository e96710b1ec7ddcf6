// Package auth supplies the bearer tokens attached to authenticated ESI
// requests. Tokens are written by whatever performs the SSO flow and read
// once per collector run; they are never refreshed here.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var (
	// ErrTokenNotFound indicates no token is stored for the character.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the stored token can no longer be used.
	ErrTokenExpired = errors.New("token expired")
)

// DefaultKeyPrefix is the Redis key prefix for stored tokens.
const DefaultKeyPrefix = "esi:auth"

// TokenStore keeps one OAuth2 token per character in Redis.
type TokenStore struct {
	redis  *redis.Client
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewTokenStore creates a token store.
func NewTokenStore(redisClient *redis.Client, logger zerolog.Logger) *TokenStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &TokenStore{
		redis:  redisClient,
		prefix: DefaultKeyPrefix,
		logger: logger.With().Str("component", "token-store").Logger(),
		now:    time.Now,
	}
}

func (s *TokenStore) key(characterID int64) string {
	return s.prefix + ":" + strconv.FormatInt(characterID, 10)
}

// Save stores tok for the character. A zero Expiry is taken from the access
// token's exp claim when it is a JWT. The key expires with the token.
func (s *TokenStore) Save(ctx context.Context, characterID int64, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}

	stored := *tok
	if stored.Expiry.IsZero() {
		if exp, ok := ExpiryFromJWT(stored.AccessToken); ok {
			stored.Expiry = exp
		}
	}

	var ttl time.Duration
	if !stored.Expiry.IsZero() {
		ttl = stored.Expiry.Sub(s.now())
		if ttl <= 0 {
			return ErrTokenExpired
		}
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(characterID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	s.logger.Debug().
		Int64("character_id", characterID).
		Time("expiry", stored.Expiry).
		Msg("Token stored")
	return nil
}

// Token returns the character's token.
func (s *TokenStore) Token(ctx context.Context, characterID int64) (*oauth2.Token, error) {
	data, err := s.redis.Get(ctx, s.key(characterID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: character %d", ErrTokenNotFound, characterID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: character %d", ErrTokenNotFound, characterID)
	}
	if !tok.Expiry.IsZero() && !s.now().Before(tok.Expiry) {
		return nil, fmt.Errorf("%w: character %d at %s", ErrTokenExpired, characterID, tok.Expiry.Format(time.RFC3339))
	}
	return &tok, nil
}

// Source returns a function reading the character's current token on every
// call. Collectors call it once per run.
func (s *TokenStore) Source(characterID int64) func(ctx context.Context) (*oauth2.Token, error) {
	return func(ctx context.Context) (*oauth2.Token, error) {
		return s.Token(ctx, characterID)
	}
}

// Delete removes the character's token.
func (s *TokenStore) Delete(ctx context.Context, characterID int64) error {
	if err := s.redis.Del(ctx, s.key(characterID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ExpiryFromJWT reads the exp claim of a JWT access token without verifying
// its signature.
func ExpiryFromJWT(accessToken string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}
