package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"avatar-cache/internal/directory"
	"avatar-cache/internal/domain"
	"avatar-cache/internal/repository"
)

// ErrInvalidUser indicates that user input failed validation.
var ErrInvalidUser = errors.New("invalid user")

// Notifier announces newly created users. Implementations must not block
// the caller on delivery and must not report delivery failures.
type Notifier interface {
	Notify(user domain.User)
}

// CreateUserInput carries the fields accepted when creating a user.
// ID should be the user's directory id so the record can index its avatar;
// a random one is assigned when it is empty.
type CreateUserInput struct {
	ID     string `validate:"omitempty,max=64,printascii,excludesall=/?#%"`
	Name   string `validate:"required,max=200"`
	Email  string `validate:"required,email,max=320"`
	Avatar string `validate:"omitempty,url"`
}

// UserService describes user lifecycle operations.
type UserService interface {
	Create(ctx context.Context, input CreateUserInput) (*domain.User, error)
	Get(ctx context.Context, id string) (*domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	Lookup(ctx context.Context, id string) (map[string]any, error)
	Delete(ctx context.Context, id string) error
}

type userService struct {
	users     repository.UserRepository
	avatars   AvatarService
	directory directory.Client
	notifier  Notifier
	validate  *validator.Validate
	logger    *logrus.Logger
}

func NewUserService(users repository.UserRepository, avatars AvatarService, dir directory.Client, notifier Notifier, logger *logrus.Logger) UserService {
	if logger == nil {
		logger = logrus.New()
	}
	return &userService{
		users:     users,
		avatars:   avatars,
		directory: dir,
		notifier:  notifier,
		validate:  validator.New(),
		logger:    logger,
	}
}

func (s *userService) Create(ctx context.Context, input CreateUserInput) (*domain.User, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.Avatar = strings.TrimSpace(input.Avatar)

	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUser, describeValidation(err))
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:        id,
		Name:      input.Name,
		Email:     strings.ToLower(input.Email),
		Avatar:    input.Avatar,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("user created")
	if s.notifier != nil {
		s.notifier.Notify(*user)
	}
	return user, nil
}

func (s *userService) Get(ctx context.Context, id string) (*domain.User, error) {
	return s.users.Get(ctx, id)
}

func (s *userService) List(ctx context.Context) ([]domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}

// Lookup returns the remote directory record of id unchanged.
func (s *userService) Lookup(ctx context.Context, id string) (map[string]any, error) {
	remote, err := s.directory.FetchUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return remote.Attributes, nil
}

// Delete evicts the user's cached avatar, then removes the record.
func (s *userService) Delete(ctx context.Context, id string) error {
	if _, err := s.avatars.DeleteAvatar(ctx, id); err != nil {
		if !errors.Is(err, ErrCacheCorrupt) {
			return fmt.Errorf("evict avatar for user %s: %w", id, err)
		}
		s.logger.WithField("user_id", id).WithError(err).Warn("deleting user with inconsistent avatar cache")
	}

	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("user_id", id).Info("user deleted")
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "email":
			parts = append(parts, field+" must be a valid email address")
		case "url":
			parts = append(parts, field+" must be a valid url")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, ", ")
}
