package storage

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("object not found")

// Object is an open handle to a stored blob. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Storage keeps job audio under slash-separated keys.
type Storage interface {
	// Put streams data to key, replacing any previous object, and returns the
	// number of bytes stored. size may be -1 when unknown.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (int64, error)
	Open(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	Name() string
}
