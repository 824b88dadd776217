package app

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/gateways"
	"github.com/ternarybob/linewatch/internal/handlers"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/queue"
	"github.com/ternarybob/linewatch/internal/services/retention"
	"github.com/ternarybob/linewatch/internal/storage/postgres"
	"github.com/ternarybob/linewatch/internal/workers"
)

// App holds the API process components and dependencies. Everything is
// constructed once here and passed explicitly; nothing reaches for globals.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Files          interfaces.FileGateway
	Detector       interfaces.DetectorGateway
	Annotator      interfaces.AnnotatorGateway
	Auth           interfaces.AuthGateway
	Queue          interfaces.QueueService

	Retention *retention.Service

	AnalysisHandler *handlers.AnalysisHandler
	APIHandler      *handlers.APIHandler
	Hub             *handlers.ProgressHub
}

// New wires the API process: storage, gateways, broker client, hub, and
// handlers.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	storageManager, err := postgres.NewManager(logger, &config.Storage.Postgres)
	if err != nil {
		return nil, err
	}

	queueService, err := queue.Connect(config.Queue, logger)
	if err != nil {
		storageManager.Close()
		return nil, err
	}

	files := gateways.NewFilesClient(config.Services.FilesURL, logger)
	detector := gateways.NewDetectorClient(config.Services.DetectorURL, config.Analysis.MaxDetectorFileBytes(), logger)
	annotator := gateways.NewAnnotatorClient(config.Services.AnnotationURL, logger)

	var auth interfaces.AuthGateway
	if config.Services.AuthURL != "" {
		auth = gateways.NewAuthClient(config.Services.AuthURL, logger)
	}

	taskStorage := storageManager.TaskStorage()
	hub := handlers.NewProgressHub(&config.WebSocket, logger)

	app := &App{
		Config:         config,
		Logger:         logger,
		StorageManager: storageManager,
		Files:          files,
		Detector:       detector,
		Annotator:      annotator,
		Auth:           auth,
		Queue:          queueService,
		Retention:      retention.New(taskStorage, files, config.Retention, logger),
		AnalysisHandler: handlers.NewAnalysisHandler(
			taskStorage, files, detector, annotator, queueService, config, logger),
		APIHandler: handlers.NewAPIHandler(detector, hub),
		Hub:        hub,
	}
	return app, nil
}

// Close releases broker and storage connections.
func (a *App) Close() error {
	var firstErr error
	if a.Retention != nil {
		a.Retention.Stop()
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WorkerApp holds the worker process components.
type WorkerApp struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Queue          interfaces.QueueService
	Worker         *workers.AnalysisWorker
}

// NewWorker wires the worker process: storage, gateways, broker client, and
// the analysis worker loop.
func NewWorker(config *common.Config, logger arbor.ILogger) (*WorkerApp, error) {
	storageManager, err := postgres.NewManager(logger, &config.Storage.Postgres)
	if err != nil {
		return nil, err
	}

	queueService, err := queue.Connect(config.Queue, logger)
	if err != nil {
		storageManager.Close()
		return nil, err
	}

	files := gateways.NewFilesClient(config.Services.FilesURL, logger)
	detector := gateways.NewDetectorClient(config.Services.DetectorURL, config.Analysis.MaxDetectorFileBytes(), logger)

	worker := workers.NewAnalysisWorker(
		storageManager.TaskStorage(), files, detector, queueService, config.Analysis, logger)

	return &WorkerApp{
		Config:         config,
		Logger:         logger,
		StorageManager: storageManager,
		Queue:          queueService,
		Worker:         worker,
	}, nil
}

// Run consumes the task queue until ctx is cancelled.
func (a *WorkerApp) Run(ctx context.Context) error {
	return a.Worker.Run(ctx)
}

// Close releases broker and storage connections.
func (a *WorkerApp) Close() error {
	var firstErr error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
