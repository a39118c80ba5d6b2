package backup

import (
	"context"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerBackend stores snapshot payloads in an embedded Badger database.
type BadgerBackend struct {
	db *badger.DB
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerBackend opens (or creates) the snapshot store at path. An
// empty path opens an in-memory database.
func NewBadgerBackend(path string, logger *slog.Logger) (*BadgerBackend, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func (b *BadgerBackend) Write(_ context.Context, key string, payload []byte) (string, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
	if err != nil {
		return "", fmt.Errorf("write snapshot payload: %w", err)
	}
	return key, nil
}

func (b *BadgerBackend) Read(_ context.Context, location string) ([]byte, error) {
	var payload []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(location))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("snapshot payload %s not found", location)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot payload: %w", err)
	}
	return payload, nil
}

func (b *BadgerBackend) Verify(ctx context.Context, location string, manifest *Manifest) (bool, error) {
	payload, err := b.Read(ctx, location)
	if err != nil {
		return false, err
	}
	return VerifyPayload(payload, manifest)
}
