// Package pipeline runs the story generation state machine: transcribe,
// story, character, the two images in parallel, then compose.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/inference"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/media"
	"github.com/jonathan/story-illustrator/internal/metrics"
	"github.com/jonathan/story-illustrator/internal/pipeline/steps"
	"github.com/jonathan/story-illustrator/internal/prompts"
	"github.com/jonathan/story-illustrator/internal/schemas"
	"github.com/jonathan/story-illustrator/internal/types"
)

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio inference.Audio) (string, inference.Outcome, error)
}

// TextGenerator generates text.
type TextGenerator interface {
	Generate(ctx context.Context, req inference.TextRequest) (string, inference.Outcome, error)
}

// ImageGenerator generates encoded images.
type ImageGenerator interface {
	Generate(ctx context.Context, req inference.ImageRequest) ([]byte, inference.Outcome, error)
}

// Artifacts stores binary artifacts under stable locators.
type Artifacts interface {
	Save(kind, ext string, data []byte) (string, error)
	Read(locator string) ([]byte, error)
}

// Composer composes the character over the background. Either may be nil.
type Composer interface {
	Compose(character, background []byte) ([]byte, error)
}

// Config tunes the generation requests.
type Config struct {
	StoryMaxTokens     int     `envconfig:"STORY_MAX_TOKENS" default:"800"`
	CharacterMaxTokens int     `envconfig:"CHARACTER_MAX_TOKENS" default:"400"`
	Temperature        float32 `envconfig:"TEMPERATURE" default:"0.8"`
	ImageWidth         int     `envconfig:"IMAGE_WIDTH" default:"512"`
	ImageHeight        int     `envconfig:"IMAGE_HEIGHT" default:"512"`
	Workers            int     `envconfig:"WORKERS" default:"4"`
}

// Deps are the collaborators of a Runner. Transcriber may be nil, in which
// case audio-only requests fail at the transcribe stage.
type Deps struct {
	Store       db.Store
	Artifacts   Artifacts
	Transcriber Transcriber
	Text        TextGenerator
	Images      ImageGenerator
	Composer    Composer
	Logger      *zap.Logger
}

// Runner executes generation runs.
type Runner struct {
	store       db.Store
	artifacts   Artifacts
	transcriber Transcriber
	text        TextGenerator
	images      ImageGenerator
	composer    Composer
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(d Deps, cfg Config) (*Runner, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case d.Artifacts == nil:
		return nil, fmt.Errorf("pipeline: artifact store is required")
	case d.Text == nil:
		return nil, fmt.Errorf("pipeline: text generator is required")
	case d.Images == nil:
		return nil, fmt.Errorf("pipeline: image generator is required")
	case d.Composer == nil:
		return nil, fmt.Errorf("pipeline: composer is required")
	}
	if cfg.StoryMaxTokens <= 0 {
		cfg.StoryMaxTokens = 800
	}
	if cfg.CharacterMaxTokens <= 0 {
		cfg.CharacterMaxTokens = 400
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}
	return &Runner{
		store:       d.Store,
		artifacts:   d.Artifacts,
		transcriber: d.Transcriber,
		text:        d.Text,
		images:      d.Images,
		composer:    d.Composer,
		cfg:         cfg,
		logger:      logging.OrNop(d.Logger).With(zap.String("component", "pipeline")),
		now:         time.Now,
	}, nil
}

// Submit validates a request and persists a pending story for it. When the
// request's idempotency key is known, the existing story is returned and
// created is false.
func (r *Runner) Submit(ctx context.Context, req *types.GenerateRequest) (*db.Story, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, &inference.Error{Kind: inference.KindInvalidInput, Message: err.Error(), Cause: err}
	}

	story := &db.Story{
		UserPrompt:     db.StringPtr(req.UserPrompt),
		IdempotencyKey: db.StringPtr(req.IdempotencyKey),
	}
	if req.HasAudio() {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(req.Audio.Filename)), ".")
		loc, err := r.artifacts.Save(media.KindAudio, ext, req.Audio.Data)
		if err != nil {
			return nil, false, &StorageError{Op: "save audio", Cause: err}
		}
		story.AudioInput = &loc
	}

	created, err := r.store.CreateStory(ctx, story)
	if err != nil {
		return nil, false, &StorageError{Op: "create story", Cause: err}
	}
	if created {
		r.logger.Info("story accepted",
			zap.String("story_id", story.ID.String()),
			zap.Bool("audio", story.AudioInput != nil))
	}
	return story, created, nil
}

// Load returns a story with its logs, or nil when it does not exist.
func (r *Runner) Load(ctx context.Context, id uuid.UUID) (*db.Story, error) {
	story, err := r.store.GetStory(ctx, id)
	if err != nil {
		return nil, &StorageError{Op: "load story", Cause: err}
	}
	if story == nil {
		return nil, nil
	}
	if story.Logs, err = r.store.ListLogs(ctx, id); err != nil {
		return nil, &StorageError{Op: "load logs", Cause: err}
	}
	return story, nil
}

// Run executes the pipeline for a pending story and returns the finished
// story with its logs. Cancelling ctx stops the run at the next stage
// boundary; calls already in flight are allowed to finish.
func (r *Runner) Run(ctx context.Context, id uuid.UUID, opts RunOptions) (*db.Story, error) {
	bg := context.WithoutCancel(ctx)

	claimed, err := r.store.ClaimStory(bg, id)
	if err != nil {
		return nil, &StorageError{Op: "claim story", Cause: err}
	}
	if !claimed {
		return nil, ErrAlreadyClaimed
	}
	story, err := r.store.GetStory(bg, id)
	if err != nil {
		return nil, &StorageError{Op: "load story", Cause: err}
	}
	if story == nil {
		return nil, &StorageError{Op: "load story", Cause: db.ErrNotFound}
	}

	e := &execution{
		r:        r,
		ctx:      ctx,
		bg:       bg,
		story:    story,
		opts:     opts,
		logger:   r.logger.With(zap.String("story_id", id.String())),
		produced: map[string]bool{},
	}
	e.logger.Info("pipeline started")

	status, errMsg, runErr := e.execute()
	if runErr != nil {
		status = db.StatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	elapsed := r.now().Sub(story.CreatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if err := r.store.FinishStory(bg, id, status, elapsed, errMsg); err != nil && runErr == nil {
		runErr = &StorageError{Op: "finish story", Cause: err}
	}
	metrics.PipelineRuns.WithLabelValues(status).Inc()

	if runErr != nil {
		e.logger.Error("pipeline aborted", zap.Error(runErr))
		opts.emit(ProgressEvent{StoryID: id.String(), Status: ProgressFailed, Message: runErr.Error()})
		return nil, runErr
	}

	final, err := r.Load(bg, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("pipeline finished",
		zap.String("status", status),
		zap.Float64("processing_time", elapsed))
	opts.emit(ProgressEvent{
		StoryID: id.String(),
		State:   status,
		Status:  ProgressFinished,
		Message: "generation " + status,
		Content: final,
	})
	return final, nil
}

// execution is the state of one run.
type execution struct {
	r      *Runner
	ctx    context.Context
	bg     context.Context
	story  *db.Story
	opts   RunOptions
	logger *zap.Logger
	// produced holds the stages that produced output.
	produced map[string]bool
}

// execute walks the stages and returns the terminal status. A non-nil error
// is a storage or internal failure that ends the request.
func (e *execution) execute() (string, *string, error) {
	prompt := ""
	if e.story.UserPrompt != nil {
		prompt = strings.TrimSpace(*e.story.UserPrompt)
	}
	degraded := false

	if e.story.AudioInput != nil {
		if e.cancelled() {
			return cancelledResult()
		}
		text, err := e.transcribe()
		if err != nil {
			return "", nil, err
		}
		switch {
		case text != "":
			if prompt == "" {
				prompt = text
			}
		case prompt == "":
			return failedResult("transcription failed and no user prompt was given")
		default:
			degraded = true
		}
	}

	if e.cancelled() {
		return cancelledResult()
	}
	storyText, sketch, err := e.generateStory(prompt)
	if err != nil {
		return "", nil, err
	}
	if storyText == "" {
		return failedResult("story generation failed")
	}

	if e.cancelled() {
		return cancelledResult()
	}
	character, err := e.describeCharacter(storyText, sketch)
	if err != nil {
		return "", nil, err
	}
	if character == nil {
		degraded = true
	}

	if e.cancelled() {
		return cancelledResult()
	}
	charImg, bgImg, err := e.generateImages(storyText, character)
	if err != nil {
		return "", nil, err
	}
	if charImg == nil || bgImg == nil {
		degraded = true
	}

	if e.cancelled() {
		return cancelledResult()
	}
	composed, err := e.compose(charImg, bgImg)
	if err != nil {
		return "", nil, err
	}
	if !composed {
		degraded = true
	}

	if degraded {
		return db.StatusPartial, nil, nil
	}
	return db.StatusComplete, nil, nil
}

func cancelledResult() (string, *string, error) {
	return failedResult("request cancelled")
}

func failedResult(msg string) (string, *string, error) {
	return db.StatusFailed, &msg, nil
}

func (e *execution) cancelled() bool {
	if e.ctx.Err() == nil {
		return false
	}
	e.logger.Info("run cancelled at stage boundary")
	return true
}

// enter moves the story into a stage's state.
func (e *execution) enter(stage string) error {
	def := steps.StepRegistry[stage]
	if err := e.r.store.UpdateStage(e.bg, e.story.ID, db.StageUpdate{State: def.State}); err != nil {
		return &StorageError{Op: "update state", Cause: err}
	}
	e.emit(stage, ProgressStarted, "running "+stage, nil)
	return nil
}

// ready reports whether stage's dependencies produced output, emitting a
// skip event when they did not.
func (e *execution) ready(stage string) bool {
	if err := steps.ValidateDependencies(stage, e.produced); err != nil {
		e.logger.Debug("stage skipped", zap.String("stage", stage), zap.Error(err))
		e.emit(stage, ProgressSkipped, err.Error(), nil)
		return false
	}
	return true
}

func (e *execution) emit(stage, status, message string, content any) {
	e.opts.emit(ProgressEvent{
		StoryID: e.story.ID.String(),
		Stage:   stage,
		State:   steps.StepRegistry[stage].State,
		Status:  status,
		Message: message,
		Content: content,
	})
}

// finishStage persists a stage's logs and output.
func (e *execution) finishStage(stage string, logs []db.GenerationLog, update db.StageUpdate, started time.Time, err error) error {
	if appendErr := e.r.store.AppendLogs(e.bg, e.story.ID, logs); appendErr != nil {
		return &StorageError{Op: "append " + stage + " logs", Cause: appendErr}
	}
	if updateErr := e.r.store.UpdateStage(e.bg, e.story.ID, update); updateErr != nil {
		return &StorageError{Op: "update " + stage, Cause: updateErr}
	}

	outcome := "success"
	if err != nil {
		outcome = string(inference.KindOf(err))
		e.logger.Warn("stage failed", zap.String("stage", stage), zap.Error(err))
		e.emit(stage, ProgressFailed, err.Error(), nil)
	} else {
		e.produced[stage] = true
		e.emit(stage, ProgressCompleted, stage+" done", nil)
	}
	metrics.StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(started).Seconds())
	return nil
}

func (e *execution) transcribe() (string, error) {
	const stage = db.StageTranscribe
	if err := e.enter(stage); err != nil {
		return "", err
	}
	started := time.Now()

	var text string
	var out inference.Outcome
	var err error
	switch data, readErr := e.r.artifacts.Read(*e.story.AudioInput); {
	case readErr != nil:
		return "", &StorageError{Op: "read audio", Cause: readErr}
	case e.r.transcriber == nil:
		err = &inference.Error{Kind: inference.KindAllModelsExhausted, Message: "no transcriber configured"}
	default:
		text, out, err = e.r.transcriber.Transcribe(e.bg, inference.Audio{
			Data:     data,
			Filename: filepath.Base(*e.story.AudioInput),
			MIMEType: types.AudioMIMEType(*e.story.AudioInput),
		})
	}

	update := db.StageUpdate{}
	if err == nil {
		update.TranscribedText = &text
		update.Parameters = parameters(stage, out)
	}
	if ferr := e.finishStage(stage, attemptLogs(stage, out, err), update, started, err); ferr != nil {
		return "", ferr
	}
	if err != nil {
		return "", nil
	}
	return text, nil
}

func (e *execution) generateStory(prompt string) (string, string, error) {
	const stage = db.StageStory
	if err := e.enter(stage); err != nil {
		return "", "", err
	}
	started := time.Now()

	rendered, err := prompts.Render(prompts.KeyStory, map[string]string{"UserPrompt": prompt})
	if err != nil {
		return "", "", fmt.Errorf("failed to render story prompt: %w", err)
	}
	raw, out, err := e.r.text.Generate(e.bg, inference.TextRequest{
		Prompt:      rendered,
		MaxTokens:   e.r.cfg.StoryMaxTokens,
		Temperature: e.r.cfg.Temperature,
	})

	var storyText, sketch string
	update := db.StageUpdate{}
	if err == nil {
		storyText, sketch = ParseStoryOutput(raw)
		if storyText == "" {
			err = &inference.Error{Kind: inference.KindAllModelsExhausted, Message: "story output was empty"}
		} else {
			update.StoryText = &storyText
			update.Parameters = parameters(stage, out)
		}
	}
	if ferr := e.finishStage(stage, attemptLogs(stage, out, err), update, started, err); ferr != nil {
		return "", "", ferr
	}
	if err != nil && steps.IsFailHard(stage) {
		return "", "", nil
	}
	return storyText, sketch, nil
}

func (e *execution) describeCharacter(storyText, sketch string) (*schemas.Character, error) {
	const stage = db.StageCharacter
	if !e.ready(stage) {
		return nil, nil
	}
	if err := e.enter(stage); err != nil {
		return nil, err
	}
	started := time.Now()

	hint := ""
	if sketch != "" {
		var err error
		if hint, err = prompts.Render(prompts.KeyCharacterHint, map[string]string{"Sketch": sketch}); err != nil {
			return nil, fmt.Errorf("failed to render character hint: %w", err)
		}
	}
	rendered, err := prompts.Render(prompts.KeyCharacter, map[string]string{"Story": storyText, "Hint": hint})
	if err != nil {
		return nil, fmt.Errorf("failed to render character prompt: %w", err)
	}

	raw, out, err := e.r.text.Generate(e.bg, inference.TextRequest{
		Prompt:      rendered,
		MaxTokens:   e.r.cfg.CharacterMaxTokens,
		Temperature: e.r.cfg.Temperature,
		JSON:        true,
		Check: func(text string) error {
			_, err := schemas.ValidateCharacter(text)
			return err
		},
	})

	var character *schemas.Character
	update := db.StageUpdate{}
	if err == nil {
		if character, err = schemas.ValidateCharacter(raw); err == nil {
			desc := character.Text()
			update.CharacterDescription = &desc
			update.Parameters = parameters(stage, out)
		}
	}
	if ferr := e.finishStage(stage, attemptLogs(stage, out, err), update, started, err); ferr != nil {
		return nil, ferr
	}
	if err != nil {
		return nil, nil
	}
	return character, nil
}

type imageResult struct {
	data    []byte
	locator string
	out     inference.Outcome
	err     error
	started time.Time
}

// generateImages runs the character and background images concurrently and
// joins them. Logs are appended character first, then background.
func (e *execution) generateImages(storyText string, character *schemas.Character) ([]byte, []byte, error) {
	if err := e.r.store.UpdateStage(e.bg, e.story.ID, db.StageUpdate{State: db.StateGeneratingImages}); err != nil {
		return nil, nil, &StorageError{Op: "update state", Cause: err}
	}
	negative, _ := prompts.Get(prompts.StoryFile, prompts.KeyNegativeImage)

	var charRes, bgRes *imageResult
	var g errgroup.Group

	// character is non-nil exactly when the character stage produced output
	if e.ready(db.StageCharacterImage) {
		rendered, err := prompts.Render(prompts.KeyCharacterImage, map[string]string{"Description": character.ImagePrompt()})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to render character image prompt: %w", err)
		}
		charRes = &imageResult{}
		e.emit(db.StageCharacterImage, ProgressStarted, "running "+db.StageCharacterImage, nil)
		g.Go(func() error {
			return e.generateImage(charRes, media.KindCharacter, rendered, negative)
		})
	}

	if e.ready(db.StageBackgroundImage) {
		rendered, err := prompts.Render(prompts.KeyBackgroundImage, map[string]string{"Context": SceneContext(storyText)})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to render background prompt: %w", err)
		}
		bgRes = &imageResult{}
		e.emit(db.StageBackgroundImage, ProgressStarted, "running "+db.StageBackgroundImage, nil)
		g.Go(func() error {
			return e.generateImage(bgRes, media.KindBackground, rendered, negative)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var charImg, bgImg []byte
	if charRes != nil {
		update := db.StageUpdate{}
		if charRes.err == nil {
			update.CharacterImage = &charRes.locator
			update.Parameters = parameters(db.StageCharacterImage, charRes.out)
			charImg = charRes.data
		}
		if err := e.finishStage(db.StageCharacterImage, attemptLogs(db.StageCharacterImage, charRes.out, charRes.err), update, charRes.started, charRes.err); err != nil {
			return nil, nil, err
		}
	}
	if bgRes != nil {
		update := db.StageUpdate{}
		if bgRes.err == nil {
			update.BackgroundImage = &bgRes.locator
			update.Parameters = parameters(db.StageBackgroundImage, bgRes.out)
			bgImg = bgRes.data
		}
		if err := e.finishStage(db.StageBackgroundImage, attemptLogs(db.StageBackgroundImage, bgRes.out, bgRes.err), update, bgRes.started, bgRes.err); err != nil {
			return nil, nil, err
		}
	}
	return charImg, bgImg, nil
}

// generateImage fills res. Only a storage failure is returned as an error;
// a generation failure stays in res.err.
func (e *execution) generateImage(res *imageResult, kind, prompt, negative string) error {
	res.started = time.Now()
	data, out, err := e.r.images.Generate(e.bg, inference.ImageRequest{
		Prompt:         prompt,
		NegativePrompt: negative,
		Width:          e.r.cfg.ImageWidth,
		Height:         e.r.cfg.ImageHeight,
	})
	res.out = out
	if err != nil {
		res.err = err
		return nil
	}
	loc, err := e.r.artifacts.Save(kind, imageExt(data), data)
	if err != nil {
		return &StorageError{Op: "save " + kind + " image", Cause: err}
	}
	res.data = data
	res.locator = loc
	return nil
}

// compose reports whether a composed image was produced.
func (e *execution) compose(charImg, bgImg []byte) (bool, error) {
	const stage = db.StageCompose
	if !e.ready(stage) {
		return false, nil
	}
	if err := e.enter(stage); err != nil {
		return false, err
	}
	started := time.Now()

	data, err := e.r.composer.Compose(charImg, bgImg)
	if err != nil {
		err = &inference.Error{Kind: inference.KindInvalidInput, Message: "composition failed", Cause: err}
	}

	update := db.StageUpdate{}
	if err == nil {
		loc, saveErr := e.r.artifacts.Save(media.KindComposed, "png", data)
		if saveErr != nil {
			return false, &StorageError{Op: "save composed image", Cause: saveErr}
		}
		update.ComposedImage = &loc
	}

	log := db.GenerationLog{
		Stage:         stage,
		AttemptNumber: 1,
		ModelUsed:     "composer",
		ServiceUsed:   "local",
		Succeeded:     err == nil,
		DurationMs:    time.Since(started).Milliseconds(),
		StartedAt:     started,
		CompletedAt:   time.Now(),
	}
	if err != nil {
		kind := string(inference.KindInvalidInput)
		msg := err.Error()
		log.ErrorKind = &kind
		log.ErrorMessage = &msg
	}
	if ferr := e.finishStage(stage, []db.GenerationLog{log}, update, started, err); ferr != nil {
		return false, ferr
	}
	return err == nil, nil
}

// attemptLogs turns a call outcome into log rows. A call that failed before
// any attempt still gets one row.
func attemptLogs(stage string, out inference.Outcome, err error) []db.GenerationLog {
	if len(out.Attempts) == 0 {
		now := time.Now()
		l := db.GenerationLog{Stage: stage, AttemptNumber: 1, Succeeded: err == nil, StartedAt: now, CompletedAt: now}
		if err != nil {
			kind := string(inference.KindOf(err))
			msg := err.Error()
			l.ErrorKind = &kind
			l.ErrorMessage = &msg
		}
		return []db.GenerationLog{l}
	}

	logs := make([]db.GenerationLog, 0, len(out.Attempts))
	for _, a := range out.Attempts {
		l := db.GenerationLog{
			Stage:         stage,
			AttemptNumber: a.Number,
			ModelUsed:     a.Model.String(),
			ServiceUsed:   a.Model.Service,
			Succeeded:     a.Succeeded,
			DurationMs:    a.Duration.Milliseconds(),
			StartedAt:     a.StartedAt,
			CompletedAt:   a.StartedAt.Add(a.Duration),
		}
		if !a.Succeeded {
			kind := string(a.ErrorKind)
			msg := a.ErrorMessage
			l.ErrorKind = &kind
			l.ErrorMessage = &msg
		}
		logs = append(logs, l)
	}

	// output rejected after a successful call (e.g. empty story)
	if err != nil && out.Attempts[len(out.Attempts)-1].Succeeded {
		last := &logs[len(logs)-1]
		kind := string(inference.KindOf(err))
		msg := err.Error()
		last.Succeeded = false
		last.ErrorKind = &kind
		last.ErrorMessage = &msg
	}
	return logs
}

func parameters(stage string, out inference.Outcome) map[string]db.StageParameters {
	return map[string]db.StageParameters{
		stage: {
			ModelUsed:    out.ModelUsed.String(),
			FallbackUsed: out.FallbackUsed,
			AttemptCount: out.AttemptCount,
		},
	}
}

// imageExt picks a file extension from the image's content.
func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// IsInvalidInput reports whether err rejects the request itself.
func IsInvalidInput(err error) bool {
	var ie *inference.Error
	return errors.As(err, &ie) && ie.Kind == inference.KindInvalidInput
}
