package storage

import (
	"context"
	"errors"
)

// ErrNotExist is returned by Read and Remove when the named avatar is not stored.
var ErrNotExist = errors.New("avatar file does not exist")

// AvatarStore persists cached avatar files in a flat namespace.
// Names are of the form "<hash>.png". Implementations must be safe for concurrent use.
type AvatarStore interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
}

// FileName returns the cache file name for an avatar hash.
func FileName(hash string) string {
	return hash + ".png"
}
