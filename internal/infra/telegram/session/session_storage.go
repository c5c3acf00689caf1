// Package session wraps tdsession.Storage over plain files, one per mobile.
// Session files are the account credentials; a partially written file would
// lock the account out, so writes go through the atomic write helper.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"

	"promofleet/internal/infra/storage"
)

// FileStorage implements tdsession.Storage over a single file on disk.
// Load/Store are mutex-guarded so concurrent gotd internals cannot interleave
// a read with a half-finished write.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession reads the session file from disk. A missing file maps to
// tdsession.ErrNotFound, which gotd treats as "no session yet".
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession atomically persists the session data.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	return nil
}
