package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonathan/story-illustrator/internal/pipeline"
)

// Stream event names. A stream is zero or more progress events followed by
// exactly one complete or error event.
const (
	eventProgress = "progress"
	eventComplete = "complete"
	eventError    = "error"
)

var errStreamClosed = errors.New("stream already ended")

// progressData is the payload of a progress event. Stage output stays out of
// the stream; the complete event carries the whole story.
type progressData struct {
	StoryID string `json:"story_id"`
	Stage   string `json:"stage,omitempty"`
	State   string `json:"state,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// storyStream writes one generation run as server-sent events. Image stages
// report from their own goroutines, so writes are serialized.
type storyStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
	ended   bool
}

// openStoryStream commits a 200 with event-stream headers. Anything that
// should answer with a plain JSON error must be checked before this.
func openStoryStream(w http.ResponseWriter) (*storyStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &storyStream{w: w, flusher: flusher}, nil
}

// progress forwards a stage transition. The run's own finished event is
// dropped because complete or error follows it.
func (s *storyStream) progress(e pipeline.ProgressEvent) error {
	if e.Status == pipeline.ProgressFinished {
		return nil
	}
	return s.write(eventProgress, progressData{
		StoryID: e.StoryID,
		Stage:   e.Stage,
		State:   e.State,
		Status:  e.Status,
		Message: e.Message,
	}, false)
}

func (s *storyStream) complete(story storyResponse) error {
	return s.write(eventComplete, story, true)
}

func (s *storyStream) fail(body errorBody) error {
	return s.write(eventError, body, true)
}

func (s *storyStream) write(event string, data any, last bool) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errStreamClosed
	}
	s.ended = last
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
