package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/health"
	"github.com/jonathan/story-illustrator/internal/media"
	"github.com/jonathan/story-illustrator/internal/pipeline"
	"github.com/jonathan/story-illustrator/internal/types"
)

// maxFormMemory bounds the in-memory part of a multipart body.
const maxFormMemory = 1 << 20

// storyResponse is a story with resolvable media URLs.
type storyResponse struct {
	*db.Story
	Success            bool    `json:"success"`
	AudioURL           *string `json:"audio_url,omitempty"`
	CharacterImageURL  *string `json:"character_image_url,omitempty"`
	BackgroundImageURL *string `json:"background_image_url,omitempty"`
	ComposedImageURL   *string `json:"composed_image_url,omitempty"`
}

type previewResponse struct {
	db.StoryPreview
	ComposedImageURL *string `json:"composed_image_url,omitempty"`
}

type pageResponse struct {
	Stories []previewResponse `json:"stories"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

type logsResponse struct {
	StoryID string             `json:"story_id"`
	Logs    []db.GenerationLog `json:"logs"`
}

func (s *Server) mediaURL(locator *string) *string {
	if locator == nil {
		return nil
	}
	u, err := s.signer.URL(MediaPrefix, *locator)
	if err != nil {
		s.logger.Warn("failed to sign media url", zap.String("locator", *locator), zap.Error(err))
		return nil
	}
	return &u
}

func (s *Server) storyResponse(story *db.Story) storyResponse {
	if story.Logs == nil {
		story.Logs = []db.GenerationLog{}
	}
	return storyResponse{
		Story:              story,
		Success:            story.Status != db.StatusFailed,
		AudioURL:           s.mediaURL(story.AudioInput),
		CharacterImageURL:  s.mediaURL(story.CharacterImage),
		BackgroundImageURL: s.mediaURL(story.BackgroundImage),
		ComposedImageURL:   s.mediaURL(story.ComposedImage),
	}
}

// parseGenerateRequest reads and validates a multipart form or a JSON body.
func parseGenerateRequest(w http.ResponseWriter, r *http.Request) (*types.GenerateRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, types.MaxAudioBytes+maxFormMemory)

	req := &types.GenerateRequest{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, tooLargeOr(err, "invalid multipart form")
		}
		req.UserPrompt = r.FormValue("user_prompt")
		req.IdempotencyKey = r.FormValue("idempotency_key")

		file, header, err := r.FormFile("audio_file")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			return nil, &ErrValidation{Field: "audio_file", Message: "could not read upload"}
		default:
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, types.MaxAudioBytes+1))
			if err != nil {
				return nil, &ErrValidation{Field: "audio_file", Message: "could not read upload"}
			}
			req.Audio = &types.AudioUpload{Filename: header.Filename, Data: data}
		}
	case "application/json", "":
		if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
			return nil, tooLargeOr(err, "invalid JSON body")
		}
	default:
		return nil, &ErrValidation{Field: "content_type", Message: fmt.Sprintf("unsupported content type %q", mediaType)}
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	// Rejected here so the stream endpoint answers with plain JSON before
	// any event is written.
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func tooLargeOr(err error, message string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &ErrValidation{Field: "audio_file", Message: "file too large (max 10MB)"}
	}
	return &ErrValidation{Field: "body", Message: message}
}

func parseStoryID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "invalid story id"}
	}
	return id, nil
}

// handleGenerate runs a generation request. With ?async=true it returns the
// pending story with 202 and runs it in the background.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := parseGenerateRequest(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		story, err := s.pool.Enqueue(r.Context(), req, s.dispatcher)
		if err != nil {
			s.writeError(w, err)
			return
		}
		status := http.StatusAccepted
		if db.IsTerminal(story.Status) {
			status = http.StatusOK
		}
		s.jsonResponse(w, status, s.storyResponse(story))
		return
	}

	story, err := s.pool.Generate(r.Context(), req, pipeline.RunOptions{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.storyResponse(story))
}

// handleGenerateStream runs a generation request and streams progress as
// server-sent events. The final event carries the story.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseGenerateRequest(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stream, err := openStoryStream(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	onProgress := func(e pipeline.ProgressEvent) {
		if err := stream.progress(e); err != nil {
			s.logger.Debug("dropped progress event", zap.String("story_id", e.StoryID), zap.Error(err))
		}
	}

	story, err := s.pool.Generate(r.Context(), req, pipeline.RunOptions{OnProgress: onProgress})
	if err != nil {
		err = stream.fail(bodyFor(err))
	} else {
		err = stream.complete(s.storyResponse(story))
	}
	if err != nil {
		s.logger.Debug("client went away", zap.Error(err))
	}
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	opts := db.ListOptions{}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, &ErrValidation{Field: "limit", Message: "must be an integer"})
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, &ErrValidation{Field: "offset", Message: "must be an integer"})
			return
		}
		opts.Offset = n
	}

	page, err := s.store.ListStories(r.Context(), opts.Normalized())
	if err != nil {
		s.writeError(w, &pipeline.StorageError{Op: "list stories", Cause: err})
		return
	}

	resp := pageResponse{
		Stories: make([]previewResponse, 0, len(page.Stories)),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
	}
	for _, p := range page.Stories {
		resp.Stories = append(resp.Stories, previewResponse{StoryPreview: p, ComposedImageURL: s.mediaURL(p.ComposedImage)})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	id, err := parseStoryID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	story, err := s.pool.Runner().Load(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if story == nil {
		s.writeError(w, &ErrNotFound{ID: id.String()})
		return
	}
	s.jsonResponse(w, http.StatusOK, s.storyResponse(story))
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseStoryID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	story, err := s.store.GetStory(r.Context(), id)
	if err != nil {
		s.writeError(w, &pipeline.StorageError{Op: "load story", Cause: err})
		return
	}
	if story == nil {
		s.writeError(w, &ErrNotFound{ID: id.String()})
		return
	}

	logs, err := s.store.ListLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, &pipeline.StorageError{Op: "load logs", Cause: err})
		return
	}
	if logs == nil {
		logs = []db.GenerationLog{}
	}
	s.jsonResponse(w, http.StatusOK, logsResponse{StoryID: id.String(), Logs: logs})
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	id, err := parseStoryID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.store.DeleteStory(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, &ErrNotFound{ID: id.String()})
			return
		}
		s.writeError(w, &pipeline.StorageError{Op: "delete story", Cause: err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "health checks are not configured")
		return
	}
	res := s.health.Check(r.Context())
	status := http.StatusOK
	if res.Status == health.Unavailable {
		status = http.StatusServiceUnavailable
	}
	s.jsonResponse(w, status, res)
}

// handleMedia serves a stored artifact. When signing is enabled the request
// must carry a token for the same locator.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	locator := strings.TrimPrefix(r.PathValue("path"), "/")
	if err := s.signer.Verify(r.URL.Query().Get("token"), locator); err != nil {
		s.errorResponse(w, http.StatusForbidden, "invalid media token")
		return
	}

	path, err := s.files.Path(locator)
	if err != nil {
		if errors.Is(err, media.ErrInvalidLocator) {
			s.errorResponse(w, http.StatusNotFound, "media not found")
			return
		}
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeFile(w, r, path)
}
