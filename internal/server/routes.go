package server

import (
	"net/http"

	"github.com/ternarybob/linewatch/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Batch analysis
	mux.HandleFunc("/api/predict/batch", s.withAuth(s.app.AnalysisHandler.BatchPredictHandler))
	mux.HandleFunc("/api/predict", s.withAuth(s.app.AnalysisHandler.PredictHandler))

	// API routes - Task inspection
	mux.HandleFunc("/api/analysis/history", s.withAuth(s.app.AnalysisHandler.HistoryHandler))
	mux.HandleFunc("/api/analysis/tasks/", s.withAuth(s.handleTaskRoutes)) // /{id} and subpaths

	// WebSocket routes (no auth, tokens do not travel well through browser WS clients)
	mux.HandleFunc("/ws/tasks/", s.handleTaskSocket) // /ws/tasks/{id}
	mux.HandleFunc("/ws/history", s.app.Hub.HistorySocketHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleTaskRoutes routes /api/analysis/tasks/{id} and its subpaths.
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r) // ["api", "analysis", "tasks", {id}, ...]
	if len(segments) < 4 || segments[3] == "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	taskID := segments[3]

	// /api/analysis/tasks/{id}
	if len(segments) == 4 {
		RouteByMethod(w, r, MethodRouter{
			"GET": func(w http.ResponseWriter, r *http.Request) {
				s.app.AnalysisHandler.GetTaskHandler(w, r, taskID)
			},
			"DELETE": func(w http.ResponseWriter, r *http.Request) {
				s.app.AnalysisHandler.DeleteTaskHandler(w, r, taskID)
			},
		})
		return
	}

	if segments[4] != "images" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	// /api/analysis/tasks/{id}/images
	if len(segments) == 5 {
		RouteByMethod(w, r, MethodRouter{
			"GET": func(w http.ResponseWriter, r *http.Request) {
				s.app.AnalysisHandler.TaskImagesHandler(w, r, taskID)
			},
		})
		return
	}

	imageID := segments[5]

	// /api/analysis/tasks/{id}/images/{image_id}
	if len(segments) == 6 {
		RouteByMethod(w, r, MethodRouter{
			"DELETE": func(w http.ResponseWriter, r *http.Request) {
				s.app.AnalysisHandler.DeleteImageHandler(w, r, taskID, imageID)
			},
		})
		return
	}

	// /api/analysis/tasks/{id}/images/{image_id}/annotate|metrics
	if len(segments) == 7 {
		switch segments[6] {
		case "annotate":
			RouteByMethod(w, r, MethodRouter{
				"POST": func(w http.ResponseWriter, r *http.Request) {
					s.app.AnalysisHandler.AnnotateHandler(w, r, taskID, imageID)
				},
			})
			return
		case "metrics":
			RouteByMethod(w, r, MethodRouter{
				"POST": func(w http.ResponseWriter, r *http.Request) {
					s.app.AnalysisHandler.MetricsHandler(w, r, taskID, imageID)
				},
			})
			return
		}
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}

// handleTaskSocket routes /ws/tasks/{id} to the hub.
func (s *Server) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r) // ["ws", "tasks", {id}]
	if len(segments) != 3 || segments[2] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.app.Hub.TaskSocketHandler(w, r, segments[2])
}
