package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"argus/config"
	"argus/storage"
)

// StorageComponents holds the SQLite database and the stores built on it
type StorageComponents struct {
	SQLite     *storage.SQLite
	Executions *storage.SQLiteExecutionStore
	Indicators *storage.SQLiteIndicatorRepository
	Alerts     *storage.SQLiteAlertStore
}

// InitStorage opens the database and creates the stores
func InitStorage(paths config.DataPaths, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := storage.NewSQLite(paths.SQLitePath, sugar)
	if err != nil {
		sugar.Error(ClassifySQLiteError(err, paths.SQLitePath))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	return &StorageComponents{
		SQLite:     sqlite,
		Executions: storage.NewSQLiteExecutionStore(sqlite, sugar),
		Indicators: storage.NewSQLiteIndicatorRepository(sqlite, sugar),
		Alerts:     storage.NewSQLiteAlertStore(sqlite, sugar),
	}, nil
}

// Close closes the database
func (s *StorageComponents) Close() error {
	if s == nil || s.SQLite == nil {
		return nil
	}
	if err := s.SQLite.Close(); err != nil {
		return fmt.Errorf("failed to close SQLite: %w", err)
	}
	return nil
}
