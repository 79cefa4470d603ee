package pipeline

// Progress statuses.
const (
	ProgressStarted   = "started"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
	ProgressSkipped   = "skipped"
	ProgressFinished  = "finished"
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	StoryID string `json:"story_id"`
	Stage   string `json:"stage,omitempty"`
	State   string `json:"state,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Content any    `json:"content,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// RunOptions holds per-run settings
type RunOptions struct {
	OnProgress ProgressCallback
}

func (o RunOptions) emit(event ProgressEvent) {
	if o.OnProgress != nil {
		o.OnProgress(event)
	}
}
