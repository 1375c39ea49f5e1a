// Package keystore holds raw key material by name on the local device.
package keystore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value is stored under the name.
var ErrNotFound = errors.New("key not found")

// Store is a get/set/delete-by-name store for raw key bytes. Names are scoped
// by the caller, typically with the signed-in user's id.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	// CreateIfAbsent stores value under name unless a value already exists,
	// and returns whichever value is stored afterwards. Concurrent callers
	// racing on the same name all observe the same winner.
	CreateIfAbsent(ctx context.Context, name string, value []byte) ([]byte, error)
}
