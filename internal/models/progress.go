package models

// TaskMessage is the work-queue payload that hands a queued task to a worker.
type TaskMessage struct {
	TaskID              string  `json:"task_id"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	PreviewLimit        int     `json:"preview_limit"`
}

// TaskProgress is the progress event published to the updates exchange and
// fanned out to WebSocket subscribers.
type TaskProgress struct {
	TaskID         string         `json:"task_id"`
	Status         AnalysisStatus `json:"status"`
	ProcessedFiles int            `json:"processed_files"`
	TotalFiles     int            `json:"total_files"`
	FailedFiles    int            `json:"failed_files"`
	DefectsFound   int            `json:"defects_found"`
	Message        string         `json:"message,omitempty"`
}

// ProgressFromTask builds a progress event from the current task row.
func ProgressFromTask(task *AnalysisTask) TaskProgress {
	return TaskProgress{
		TaskID:         task.ID,
		Status:         task.Status,
		ProcessedFiles: task.ProcessedFiles,
		TotalFiles:     task.TotalFiles,
		FailedFiles:    task.FailedFiles,
		DefectsFound:   task.DefectsFound,
		Message:        task.Message,
	}
}
