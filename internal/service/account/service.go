// Package account registers identities and exchanges credentials for sessions.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/session"
)

var (
	ErrUsernameRequired   = errors.New("username is required")
	ErrWeakSecret         = errors.New("password must be at least 3 characters")
	ErrSecretTooLong      = errors.New("password must be at most 72 characters")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthenticated    = errors.New("not authenticated")
)

var validate = validator.New()

type credentials struct {
	Username string `validate:"required,max=20"`
	Password string `validate:"required,min=3,max=72"`
}

// Sessions is the session surface the account service depends on.
type Sessions interface {
	Mint(ctx context.Context, username string) (chat.Session, error)
	Revoke(ctx context.Context, token string) error
	Resolve(ctx context.Context, token string) (session.Resolution, error)
}

// Service implements register, login, logout and session checks.
type Service struct {
	users    chat.UserStore
	sessions Sessions
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cost     int
	now      func() time.Time
}

// NewService wires the account service. cost <= 0 uses bcrypt.DefaultCost.
func NewService(users chat.UserStore, sessions Sessions, cost int, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		users:    users,
		sessions: sessions,
		logger:   logger.Named("account"),
		metrics:  m,
		cost:     cost,
		now:      time.Now,
	}
}

// Register creates an identity and returns a fresh session for it.
func (s *Service) Register(ctx context.Context, username, secret string) (chat.Session, error) {
	name := chat.NormalizeUsername(username)
	if err := validate.Struct(credentials{Username: name, Password: secret}); err != nil {
		return chat.Session{}, classify(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return chat.Session{}, fmt.Errorf("hash password: %w", err)
	}

	user := chat.User{
		ID:           uuid.NewString(),
		Username:     name,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, chat.ErrUserExists) {
			return chat.Session{}, ErrUsernameTaken
		}
		return chat.Session{}, fmt.Errorf("create user: %w", err)
	}

	sess, err := s.sessions.Mint(ctx, name)
	if err != nil {
		return chat.Session{}, err
	}
	s.metrics.Login("register")
	s.logger.Info("user registered", zap.String("user", name))
	return sess, nil
}

// Login verifies credentials and mints a new session.
func (s *Service) Login(ctx context.Context, username, secret string) (chat.Session, error) {
	name := chat.NormalizeUsername(username)
	if name == "" || secret == "" {
		return chat.Session{}, ErrInvalidCredentials
	}

	user, err := s.users.GetUser(ctx, name)
	if errors.Is(err, chat.ErrUserNotFound) {
		return chat.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret)); err != nil {
		return chat.Session{}, ErrInvalidCredentials
	}

	sess, err := s.sessions.Mint(ctx, user.Username)
	if err != nil {
		return chat.Session{}, err
	}
	s.metrics.Login("login")
	return sess, nil
}

// Logout revokes token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

// CheckSession returns the identity bound to token.
func (s *Service) CheckSession(ctx context.Context, token string) (string, error) {
	res, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if res.Pending {
		return "", ErrUnauthenticated
	}
	return res.Identity, nil
}

func classify(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch {
	case verrs[0].Field() == "Username":
		return ErrUsernameRequired
	case verrs[0].Tag() == "max":
		return ErrSecretTooLong
	default:
		return ErrWeakSecret
	}
}
