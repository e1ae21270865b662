package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/port/database"
)

const tokenAudience = "agentdeck-api"

// ErrInvalidCredentials is returned for unknown users, inactive users and wrong
// passwords alike.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)

// LockedError reports a login refused by an active lockout.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry in %ds", int(e.RetryAfter.Seconds()))
}

func (e *LockedError) Unwrap() error { return domain.ErrAccountLocked }

type accessClaims struct {
	jwt.RegisteredClaims
	Username string    `json:"username"`
	Role     user.Role `json:"role"`
}

// AuthService handles password login guarded by the lockout guard and issues
// and validates HS256 access tokens.
type AuthService struct {
	store     database.UserStore
	guard     *LockoutGuard
	cfg       config.Auth
	secret    []byte
	dummyHash []byte
	metrics   *otel.Metrics
}

// NewAuthService creates a new authentication service.
func NewAuthService(store database.UserStore, guard *LockoutGuard, cfg config.Auth, metrics *otel.Metrics) (*AuthService, error) {
	// Unknown users are compared against this hash so a miss costs the same
	// bcrypt work as a wrong password.
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword(random, cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}
	return &AuthService{
		store:     store,
		guard:     guard,
		cfg:       cfg,
		secret:    []byte(cfg.JWTSecret),
		dummyHash: dummy,
		metrics:   metrics,
	}, nil
}

// Register creates a new user with a bcrypt-hashed password.
func (s *AuthService) Register(ctx context.Context, req *user.CreateRequest) (*user.User, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &user.User{
		Username:     user.NormalizeUsername(req.Username),
		PasswordHash: string(hash),
		Role:         req.Role,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	slog.InfoContext(ctx, "user registered", "user_id", u.ID, "username", u.Username, "role", u.Role)
	return u, nil
}

// Login authenticates a user. A locked identity is refused before any
// password work; every failure counts against the identity whether or not the
// user exists.
func (s *AuthService) Login(ctx context.Context, req user.LoginRequest) (*user.LoginResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	identity := user.NormalizeUsername(req.Username)

	if s.guard.IsLocked(ctx, identity) {
		s.metrics.RecordLockoutDenial(ctx)
		retry, _ := s.guard.RemainingLockout(ctx, identity)
		return nil, &LockedError{RetryAfter: retry}
	}

	u, err := s.store.GetUserByUsername(ctx, identity)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return nil, s.loginFailed(ctx, identity)
	case err != nil:
		return nil, fmt.Errorf("get user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil || !u.IsActive {
		return nil, s.loginFailed(ctx, identity)
	}

	s.guard.RecordSuccessfulLogin(ctx, identity)

	token, err := s.signAccessToken(u)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	slog.InfoContext(ctx, "login succeeded", "user_id", u.ID)
	return &user.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenExpiry.Seconds()),
		User:        *u,
	}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, identity string) error {
	res := s.guard.RecordFailedAttempt(ctx, identity)
	slog.InfoContext(ctx, "login failed", "identity", identity, "attempts", res.Attempts, "locked", res.Locked)
	if res.Locked {
		return &LockedError{RetryAfter: res.LockoutDuration}
	}
	return ErrInvalidCredentials
}

func (s *AuthService) signAccessToken(u *user.User) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenExpiry)),
			ID:        uuid.NewString(),
		},
		Username: u.Username,
		Role:     u.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateAccessToken verifies signature, expiry, issuer and audience.
func (s *AuthService) ValidateAccessToken(tokenStr string) (*user.TokenClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid token subject: %w", domain.ErrUnauthorized)
	}
	return &user.TokenClaims{
		UserID:    id,
		Username:  claims.Username,
		Role:      claims.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Authenticate validates a token and loads its user, rejecting unknown and
// inactive subjects.
func (s *AuthService) Authenticate(ctx context.Context, tokenStr string) (*user.User, error) {
	claims, err := s.ValidateAccessToken(tokenStr)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("unknown user: %w", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !u.IsActive {
		return nil, fmt.Errorf("user inactive: %w", domain.ErrUnauthorized)
	}
	return u, nil
}

// GetUser returns a user by id.
func (s *AuthService) GetUser(ctx context.Context, id int64) (*user.User, error) {
	return s.store.GetUser(ctx, id)
}
