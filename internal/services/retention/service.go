package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
)

const sweepBatchSize = 100

// Service deletes terminal analysis tasks older than the configured age on a
// cron schedule, reclaiming their rows and blobs. Disabled unless both the
// schedule and the max age are configured.
type Service struct {
	storage interfaces.TaskStorage
	files   interfaces.FileGateway
	config  common.RetentionConfig
	cron    *cron.Cron
	logger  arbor.ILogger
}

// New creates the retention sweeper.
func New(storage interfaces.TaskStorage, files interfaces.FileGateway, config common.RetentionConfig, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		files:   files,
		config:  config,
		logger:  logger,
	}
}

// Start schedules the sweep. Returns immediately when retention is not
// configured.
func (s *Service) Start() error {
	maxAge := s.config.RetentionMaxAge()
	if s.config.Schedule == "" || maxAge <= 0 {
		s.logger.Debug().Msg("Task retention disabled")
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.Sweep(context.Background(), maxAge)
	})
	if err != nil {
		return err
	}
	s.cron.Start()

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Str("max_age", maxAge.String()).
		Msg("Task retention sweeper started")
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep deletes every terminal task whose completion is older than maxAge.
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)

	tasks, err := s.storage.ListTasks(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed to list tasks")
		return
	}

	removed := 0
	for _, task := range tasks {
		if !task.Status.IsTerminal() || task.CompletedAt == nil || task.CompletedAt.After(cutoff) {
			continue
		}

		blobIDs, err := s.storage.DeleteTask(ctx, task.ID)
		if err != nil {
			s.logger.Warn().Str("task_id", task.ID).Err(err).Msg("Retention sweep failed to delete task")
			continue
		}
		for _, id := range blobIDs {
			if err := s.files.Delete(ctx, id); err != nil {
				s.logger.Warn().Str("file_id", id).Err(err).Msg("Retention sweep failed to delete blob")
			}
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("tasks", removed).Msg("Retention sweep removed expired tasks")
	}
}
