package postgres

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
)

// Manager implements the StorageManager interface for Postgres
type Manager struct {
	db     *DB
	task   interfaces.TaskStorage
	logger arbor.ILogger
}

// NewManager creates a new Postgres storage manager
func NewManager(logger arbor.ILogger, config *common.PostgresConfig) (interfaces.StorageManager, error) {
	db, err := NewDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		task:   NewTaskStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Postgres storage manager initialized")

	return manager, nil
}

// TaskStorage returns the Task storage interface
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.task
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
