package vectrix

import (
	"context"
	"os"
	"path/filepath"

	"github.com/liliang-cn/vectrix/pkg/logging"
	"github.com/liliang-cn/vectrix/pkg/storage"
)

// sqliteOpener opens/destroys one SQLite file per namespace under rootPath.
type sqliteOpener struct {
	rootPath string
	logger   logging.Logger
}

func (o *sqliteOpener) Open(ctx context.Context, storeName string, dim int) (storage.Store, error) {
	path := filepath.Join(o.rootPath, storeName+".db")
	return storage.OpenSQLiteStore(ctx, storage.SQLiteConfig{Path: path, Logger: o.logger})
}

func (o *sqliteOpener) Destroy(ctx context.Context, storeName string) error {
	path := filepath.Join(o.rootPath, storeName+".db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	return nil
}
