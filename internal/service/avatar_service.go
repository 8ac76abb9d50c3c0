package service

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"avatar-cache/internal/directory"
	"avatar-cache/internal/metrics"
	"avatar-cache/internal/repository"
	"avatar-cache/internal/storage"
)

var (
	// ErrUserLookupFailed wraps any directory failure while resolving the avatar URL.
	ErrUserLookupFailed = errors.New("user lookup failed")
	// ErrCacheCorrupt means the user record and the avatar store disagree.
	ErrCacheCorrupt = errors.New("avatar cache is inconsistent with user record")
)

// DeleteResult is the outcome of an avatar deletion.
type DeleteResult string

const (
	DeleteResultDeleted  DeleteResult = "deleted"
	DeleteResultNotFound DeleteResult = "not_found"
)

// Message is the user facing text for the result.
func (r DeleteResult) Message() string {
	if r == DeleteResultDeleted {
		return "Avatar deleted successfully"
	}
	return "Avatar not found"
}

// AvatarService serves user avatars from the local cache, filling it from the directory.
type AvatarService interface {
	GetAvatar(ctx context.Context, userID string) (string, error)
	DeleteAvatar(ctx context.Context, userID string) (DeleteResult, error)
}

// AvatarOptions tunes the avatar service. Zero values are usable.
type AvatarOptions struct {
	// Hash maps an avatar URL to its cache key. Defaults to HashAvatarURL.
	Hash func(avatarURL string) string
	// UserLocking serialises GetAvatar and DeleteAvatar per user id.
	UserLocking bool
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

type avatarService struct {
	directory directory.Client
	users     repository.UserRepository
	files     storage.AvatarStore
	hash      func(string) string
	locks     *keyedMutex
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewAvatarService(dir directory.Client, users repository.UserRepository, files storage.AvatarStore, opts AvatarOptions) AvatarService {
	if opts.Hash == nil {
		opts.Hash = HashAvatarURL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	svc := &avatarService{
		directory: dir,
		users:     users,
		files:     files,
		hash:      opts.Hash,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if opts.UserLocking {
		svc.locks = newKeyedMutex()
	}
	return svc
}

// HashAvatarURL returns the hex MD5 digest of the avatar URL string.
func HashAvatarURL(avatarURL string) string {
	sum := md5.Sum([]byte(avatarURL))
	return hex.EncodeToString(sum[:])
}

func (s *avatarService) lock(userID string) func() {
	if s.locks == nil {
		return func() {}
	}
	return s.locks.Lock(userID)
}

// GetAvatar returns the base64 encoded avatar of userID.
//
// A record with a non-nil AvatarHash is trusted as the cache index: its file is
// served as is and a missing file is reported as ErrCacheCorrupt, never refetched.
// Whether the remote avatar URL changed since caching is not considered.
func (s *avatarService) GetAvatar(ctx context.Context, userID string) (string, error) {
	defer s.lock(userID)()

	remote, err := s.directory.FetchUser(ctx, userID)
	if err != nil {
		s.metrics.Lookup("error")
		return "", fmt.Errorf("%w: %w", ErrUserLookupFailed, err)
	}
	if remote.AvatarURL == "" {
		s.metrics.Lookup("error")
		return "", fmt.Errorf("%w: %w: user %s has no avatar url", ErrUserLookupFailed, directory.ErrDecode, userID)
	}

	hash := s.hash(remote.AvatarURL)
	logger := s.logger.WithFields(logrus.Fields{"user_id": userID, "avatar_hash": hash})

	record, err := s.users.Get(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.metrics.Lookup("error")
		return "", fmt.Errorf("load user %s: %w", userID, err)
	}

	if record.HasCachedAvatar() {
		name := storage.FileName(*record.AvatarHash)
		data, err := s.files.Read(ctx, name)
		if err != nil {
			s.metrics.Lookup("corrupt")
			logger.WithError(err).Errorf("user record points at %s but it cannot be read", name)
			return "", fmt.Errorf("%w: user %s, file %s: %v", ErrCacheCorrupt, userID, name, err)
		}
		s.metrics.Lookup("hit")
		logger.Debug("avatar served from cache")
		return base64.StdEncoding.EncodeToString(data), nil
	}

	data, err := s.directory.FetchBytes(ctx, remote.AvatarURL)
	if err != nil {
		s.metrics.Lookup("error")
		return "", fmt.Errorf("fetch avatar for user %s: %w", userID, err)
	}

	// The file must be in place before the record points at it.
	name := storage.FileName(hash)
	if err := s.files.Write(ctx, name, data); err != nil {
		s.metrics.Lookup("error")
		return "", fmt.Errorf("store avatar %s: %w", name, err)
	}

	if err := s.users.UpdateAvatarHash(ctx, userID, &hash); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.metrics.Lookup("error")
			return "", fmt.Errorf("record avatar hash for user %s: %w", userID, err)
		}
		logger.Warn("avatar stored for a user without a local record")
	}

	s.metrics.Lookup("miss")
	logger.Info("avatar fetched and cached")
	return base64.StdEncoding.EncodeToString(data), nil
}

// DeleteAvatar removes the cached avatar of userID and clears the record hash.
// A user without a cached avatar yields DeleteResultNotFound and touches nothing.
func (s *avatarService) DeleteAvatar(ctx context.Context, userID string) (DeleteResult, error) {
	defer s.lock(userID)()

	record, err := s.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.Eviction("not_found")
			return DeleteResultNotFound, nil
		}
		s.metrics.Eviction("error")
		return "", fmt.Errorf("load user %s: %w", userID, err)
	}
	if !record.HasCachedAvatar() {
		s.metrics.Eviction("not_found")
		return DeleteResultNotFound, nil
	}

	hash := *record.AvatarHash
	name := storage.FileName(hash)
	logger := s.logger.WithFields(logrus.Fields{"user_id": userID, "avatar_hash": hash})

	// Remove the file first; the record is cleared only once it is gone.
	if err := s.files.Remove(ctx, name); err != nil {
		s.metrics.Eviction("error")
		if errors.Is(err, storage.ErrNotExist) {
			logger.WithError(err).Errorf("user record points at %s but it does not exist", name)
			return "", fmt.Errorf("%w: user %s, file %s: %v", ErrCacheCorrupt, userID, name, err)
		}
		return "", fmt.Errorf("remove avatar %s: %w", name, err)
	}

	if err := s.users.UpdateAvatarHash(ctx, userID, nil); err != nil {
		s.metrics.Eviction("error")
		return "", fmt.Errorf("clear avatar hash for user %s: %w", userID, err)
	}

	s.metrics.Eviction("deleted")
	logger.Info("avatar deleted")
	return DeleteResultDeleted, nil
}
