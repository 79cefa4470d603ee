package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/story-illustrator/internal/compose"
	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/inference"
	"github.com/jonathan/story-illustrator/internal/media"
	"github.com/jonathan/story-illustrator/internal/types"
)

const (
	storyOutput   = "STORY:\nA brave knight walked into the dark forest at night and found a glowing sword.\n\nCHARACTER:\nSir Aldric, tall, in silver armor."
	characterJSON = `{"name":"Sir Aldric","appearance":"tall knight in silver armor","personality":"brave","role":"hero","visual_prompt":"a tall knight in silver armor holding a glowing sword"}`
)

// fakeBackend serves every capability. Scripts receive the model name and
// the per-model call number; nil scripts succeed with canned output.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int
	// stories counts free-text calls, leaving out JSON character requests.
	stories int
	// prompts records every text prompt in call order.
	prompts []string

	text       func(model string, req inference.TextRequest, call int) (string, error)
	image      func(model string, req inference.ImageRequest, call int) ([]byte, error)
	transcribe func(model string, call int) (string, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}}
}

func (f *fakeBackend) count(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[model]
}

func (f *fakeBackend) storyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stories
}

func (f *fakeBackend) next(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[model]++
	return f.calls[model]
}

func (f *fakeBackend) GenerateText(_ context.Context, model string, req inference.TextRequest) (string, error) {
	n := f.next(model)
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	if !req.JSON {
		f.stories++
	}
	f.mu.Unlock()
	if f.text != nil {
		return f.text(model, req, n)
	}
	if req.JSON {
		return characterJSON, nil
	}
	return storyOutput, nil
}

func (f *fakeBackend) GenerateImage(_ context.Context, model string, req inference.ImageRequest) ([]byte, error) {
	n := f.next(model)
	if f.image != nil {
		return f.image(model, req, n)
	}
	if isCharacterPrompt(req.Prompt) {
		return solidPNG(color.RGBA{R: 200, A: 255}), nil
	}
	return solidPNG(color.RGBA{B: 200, A: 255}), nil
}

func (f *fakeBackend) Transcribe(_ context.Context, model string, _ inference.Audio) (string, error) {
	n := f.next(model)
	if f.transcribe != nil {
		return f.transcribe(model, n)
	}
	return "A dragon guards a castle in the mountains", nil
}

func isCharacterPrompt(p string) bool {
	return strings.HasPrefix(p, "portrait of")
}

func solidPNG(c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var transientErr = &inference.ProviderError{Kind: inference.ProviderUnavailable, Service: "fake", Message: "service unavailable"}

type harness struct {
	store    db.Store
	files    *media.FileStore
	backend  *fakeBackend
	composer *compose.Composer
	runner   *Runner
	pool     *Pool
}

func newHarness(t *testing.T, b *fakeBackend) *harness {
	t.Helper()
	return newHarnessWithStore(t, b, db.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, b *fakeBackend, store db.Store) *harness {
	t.Helper()

	files, err := media.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := inference.Options{
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	models := func(names ...string) []inference.ModelRef {
		refs, err := inference.ParseModelRefs(names)
		require.NoError(t, err)
		return refs
	}

	transcriber, err := inference.NewTranscriber(models("primary:whisper-a", "secondary:whisper-b"),
		map[string]inference.TranscriptionBackend{"primary": b, "secondary": b}, opts)
	require.NoError(t, err)
	text, err := inference.NewTextGenerator(models("primary:story-a", "secondary:story-b"),
		map[string]inference.TextBackend{"primary": b, "secondary": b}, opts)
	require.NoError(t, err)
	images, err := inference.NewImageGenerator(models("primary:img-a", "secondary:img-b"),
		map[string]inference.ImageBackend{"primary": b, "secondary": b}, opts)
	require.NoError(t, err)

	composer := compose.New(compose.Options{Width: 64, Height: 64})
	runner, err := NewRunner(Deps{
		Store:       store,
		Artifacts:   files,
		Transcriber: transcriber,
		Text:        text,
		Images:      images,
		Composer:    composer,
	}, Config{ImageWidth: 16, ImageHeight: 16})
	require.NoError(t, err)

	return &harness{
		store:    store,
		files:    files,
		backend:  b,
		composer: composer,
		runner:   runner,
		pool:     NewPool(runner, 4, nil),
	}
}

func (h *harness) generate(t *testing.T, req *types.GenerateRequest) *db.Story {
	t.Helper()
	story, err := h.pool.Generate(context.Background(), req, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, story)
	return story
}

func logStages(logs []db.GenerationLog) []string {
	var out []string
	for _, l := range logs {
		if len(out) == 0 || out[len(out)-1] != l.Stage {
			out = append(out, l.Stage)
		}
	}
	return out
}

func logsFor(logs []db.GenerationLog, stage string) []db.GenerationLog {
	var out []db.GenerationLog
	for _, l := range logs {
		if l.Stage == stage {
			out = append(out, l)
		}
	}
	return out
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	_, err := NewRunner(Deps{}, Config{})
	assert.Error(t, err)
}

func TestRun_TextPromptComplete(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	story := h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})

	assert.Equal(t, db.StatusComplete, story.Status)
	assert.Equal(t, db.StatusComplete, story.State)
	assert.Nil(t, story.ErrorMessage)
	assert.Nil(t, story.AudioInput)
	assert.Nil(t, story.TranscribedText)
	require.NotNil(t, story.StoryText)
	assert.Contains(t, *story.StoryText, "brave knight")
	assert.NotContains(t, *story.StoryText, "CHARACTER:")
	require.NotNil(t, story.CharacterDescription)
	assert.True(t, strings.HasPrefix(*story.CharacterDescription, "Sir Aldric."))
	require.NotNil(t, story.CharacterImage)
	require.NotNil(t, story.BackgroundImage)
	require.NotNil(t, story.ComposedImage)
	require.NotNil(t, story.ProcessingTime)
	assert.GreaterOrEqual(t, *story.ProcessingTime, 0.0)

	for _, loc := range []string{*story.CharacterImage, *story.BackgroundImage, *story.ComposedImage} {
		data, err := h.files.Read(loc)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
	assert.True(t, strings.HasPrefix(*story.ComposedImage, media.KindComposed+"/"))

	assert.Equal(t, []string{db.StageStory, db.StageCharacter, db.StageCharacterImage, db.StageBackgroundImage, db.StageCompose},
		logStages(story.Logs))
	for _, l := range story.Logs {
		assert.True(t, l.Succeeded, l.Stage)
		assert.Nil(t, l.ErrorKind)
	}

	for _, stage := range []string{db.StageStory, db.StageCharacter, db.StageCharacterImage, db.StageBackgroundImage} {
		p, ok := story.GenerationParameters[stage]
		require.True(t, ok, stage)
		assert.False(t, p.FallbackUsed)
		assert.Equal(t, 1, p.AttemptCount)
		assert.True(t, strings.HasPrefix(p.ModelUsed, "primary:"), p.ModelUsed)
	}
}

func TestRun_StoryPromptCarriesUserPrompt(t *testing.T) {
	b := newFakeBackend()
	h := newHarness(t, b)
	h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})

	require.Len(t, b.prompts, 2)
	assert.Contains(t, b.prompts[0], "User Prompt: A knight finds a forest")
	assert.Contains(t, b.prompts[1], "brave knight")
	assert.Contains(t, b.prompts[1], "Sir Aldric, tall, in silver armor.")
}

func TestRun_TranscriptionExhaustedWithoutPromptFails(t *testing.T) {
	b := newFakeBackend()
	b.transcribe = func(string, int) (string, error) { return "", transientErr }
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{Audio: &types.AudioUpload{Filename: "tale.wav", Data: []byte("RIFF....WAVE")}})

	assert.Equal(t, db.StatusFailed, story.Status)
	require.NotNil(t, story.ErrorMessage)
	assert.Contains(t, *story.ErrorMessage, "transcription failed")
	require.NotNil(t, story.AudioInput)
	assert.Nil(t, story.TranscribedText)
	assert.Nil(t, story.StoryText)

	assert.Equal(t, []string{db.StageTranscribe}, logStages(story.Logs))
	require.Len(t, story.Logs, 6)
	last := story.Logs[len(story.Logs)-1]
	require.NotNil(t, last.ErrorKind)
	assert.Equal(t, string(inference.KindAllModelsExhausted), *last.ErrorKind)
	assert.Equal(t, 3, b.count("whisper-a"))
	assert.Equal(t, 3, b.count("whisper-b"))
	assert.Zero(t, b.count("story-a"))
}

func TestRun_CharacterImageExhaustedIsPartial(t *testing.T) {
	b := newFakeBackend()
	background := solidPNG(color.RGBA{G: 180, A: 255})
	b.image = func(_ string, req inference.ImageRequest, _ int) ([]byte, error) {
		if isCharacterPrompt(req.Prompt) {
			return nil, transientErr
		}
		return background, nil
	}
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})

	assert.Equal(t, db.StatusPartial, story.Status)
	assert.Nil(t, story.ErrorMessage)
	assert.Nil(t, story.CharacterImage)
	require.NotNil(t, story.BackgroundImage)
	require.NotNil(t, story.ComposedImage)

	composed, err := h.files.Read(*story.ComposedImage)
	require.NoError(t, err)
	want, err := h.composer.Normalize(background)
	require.NoError(t, err)
	assert.Equal(t, want, composed)

	charLogs := logsFor(story.Logs, db.StageCharacterImage)
	require.Len(t, charLogs, 6)
	assert.Equal(t, string(inference.KindAllModelsExhausted), *charLogs[5].ErrorKind)
	_, ok := story.GenerationParameters[db.StageCharacterImage]
	assert.False(t, ok)
	_, ok = story.GenerationParameters[db.StageBackgroundImage]
	assert.True(t, ok)
}

func TestRun_RateLimitedModelFallsBack(t *testing.T) {
	b := newFakeBackend()
	b.image = func(model string, _ inference.ImageRequest, _ int) ([]byte, error) {
		if model == "img-a" {
			return nil, &inference.ProviderError{Kind: inference.ProviderRateLimited, Service: "fake", StatusCode: 429}
		}
		return solidPNG(color.RGBA{R: 90, A: 255}), nil
	}
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})

	assert.Equal(t, db.StatusComplete, story.Status)
	for _, stage := range []string{db.StageCharacterImage, db.StageBackgroundImage} {
		logs := logsFor(story.Logs, stage)
		require.Len(t, logs, 2, stage)
		assert.Equal(t, "primary:img-a", logs[0].ModelUsed)
		assert.Equal(t, string(inference.KindRateLimitExceeded), *logs[0].ErrorKind)
		assert.Equal(t, "secondary:img-b", logs[1].ModelUsed)
		assert.Equal(t, "secondary", logs[1].ServiceUsed)
		assert.True(t, logs[1].Succeeded)
		assert.Equal(t, 2, logs[1].AttemptNumber)

		p := story.GenerationParameters[stage]
		assert.True(t, p.FallbackUsed)
		assert.Equal(t, 2, p.AttemptCount)
	}
	// rate limited models are not retried
	assert.Equal(t, 2, b.count("img-a"))
}

func TestRun_AudioTranscribed(t *testing.T) {
	b := newFakeBackend()
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{Audio: &types.AudioUpload{Filename: "Tale.WAV", Data: []byte("RIFF....WAVE")}})

	assert.Equal(t, db.StatusComplete, story.Status)
	require.NotNil(t, story.AudioInput)
	assert.True(t, strings.HasSuffix(*story.AudioInput, ".wav"))
	require.NotNil(t, story.TranscribedText)
	assert.Equal(t, "A dragon guards a castle in the mountains", *story.TranscribedText)
	assert.Contains(t, b.prompts[0], "User Prompt: A dragon guards a castle")
	assert.Equal(t, db.StageTranscribe, story.Logs[0].Stage)

	audio, err := h.files.Read(*story.AudioInput)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF....WAVE"), audio)
}

func TestRun_PromptWinsOverTranscript(t *testing.T) {
	b := newFakeBackend()
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{
		UserPrompt: "A knight finds a forest",
		Audio:      &types.AudioUpload{Filename: "tale.mp3", Data: []byte("ID3")},
	})

	assert.Equal(t, db.StatusComplete, story.Status)
	require.NotNil(t, story.TranscribedText)
	assert.Contains(t, b.prompts[0], "User Prompt: A knight finds a forest")
}

func TestRun_TranscriptionFailureFallsBackToPrompt(t *testing.T) {
	b := newFakeBackend()
	b.transcribe = func(string, int) (string, error) { return "", transientErr }
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{
		UserPrompt: "A knight finds a forest",
		Audio:      &types.AudioUpload{Filename: "tale.ogg", Data: []byte("OggS")},
	})

	assert.Equal(t, db.StatusPartial, story.Status)
	assert.Nil(t, story.TranscribedText)
	require.NotNil(t, story.StoryText)
	require.NotNil(t, story.ComposedImage)
	assert.Contains(t, b.prompts[0], "User Prompt: A knight finds a forest")
}

func TestRun_StoryFailureFails(t *testing.T) {
	b := newFakeBackend()
	b.text = func(string, inference.TextRequest, int) (string, error) { return "", transientErr }
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})

	assert.Equal(t, db.StatusFailed, story.Status)
	require.NotNil(t, story.ErrorMessage)
	assert.Equal(t, "story generation failed", *story.ErrorMessage)
	assert.Nil(t, story.StoryText)
	assert.Equal(t, []string{db.StageStory}, logStages(story.Logs))
	assert.Zero(t, b.count("img-a"))
}

func TestRun_CharacterFailureSkipsCharacterImage(t *testing.T) {
	b := newFakeBackend()
	b.text = func(_ string, req inference.TextRequest, _ int) (string, error) {
		if req.JSON {
			return `{"name": ""}`, nil
		}
		return storyOutput, nil
	}
	h := newHarness(t, b)

	var events []ProgressEvent
	story, err := h.pool.Generate(context.Background(), &types.GenerateRequest{UserPrompt: "A knight finds a forest"},
		RunOptions{OnProgress: func(e ProgressEvent) { events = append(events, e) }})
	require.NoError(t, err)

	assert.Equal(t, db.StatusPartial, story.Status)
	assert.Nil(t, story.CharacterDescription)
	assert.Nil(t, story.CharacterImage)
	require.NotNil(t, story.BackgroundImage)
	require.NotNil(t, story.ComposedImage)

	assert.Equal(t, []string{db.StageStory, db.StageCharacter, db.StageBackgroundImage, db.StageCompose}, logStages(story.Logs))
	assert.Len(t, logsFor(story.Logs, db.StageCharacter), 6)

	var skipped bool
	for _, e := range events {
		if e.Stage == db.StageCharacterImage && e.Status == ProgressSkipped {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestRun_NoImagesSkipsCompose(t *testing.T) {
	b := newFakeBackend()
	b.image = func(string, inference.ImageRequest, int) ([]byte, error) { return nil, transientErr }
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})

	assert.Equal(t, db.StatusPartial, story.Status)
	assert.Nil(t, story.CharacterImage)
	assert.Nil(t, story.BackgroundImage)
	assert.Nil(t, story.ComposedImage)
	assert.Empty(t, logsFor(story.Logs, db.StageCompose))
}

func TestRun_CharacterLogsPrecedeBackgroundLogs(t *testing.T) {
	b := newFakeBackend()
	b.image = func(_ string, req inference.ImageRequest, _ int) ([]byte, error) {
		if isCharacterPrompt(req.Prompt) {
			// finish after the background
			time.Sleep(20 * time.Millisecond)
		}
		return solidPNG(color.RGBA{R: 1, A: 255}), nil
	}
	h := newHarness(t, b)

	story := h.generate(t, &types.GenerateRequest{UserPrompt: "A knight finds a forest"})
	assert.Equal(t, []string{db.StageStory, db.StageCharacter, db.StageCharacterImage, db.StageBackgroundImage, db.StageCompose},
		logStages(story.Logs))
}

func TestRun_CancelledAtStageBoundary(t *testing.T) {
	b := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	b.text = func(_ string, req inference.TextRequest, _ int) (string, error) {
		cancel()
		return storyOutput, nil
	}
	h := newHarness(t, b)

	submitted, created, err := h.runner.Submit(context.Background(), &types.GenerateRequest{UserPrompt: "A knight finds a forest"})
	require.NoError(t, err)
	require.True(t, created)

	story, err := h.runner.Run(ctx, submitted.ID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, db.StatusFailed, story.Status)
	require.NotNil(t, story.ErrorMessage)
	assert.Equal(t, "request cancelled", *story.ErrorMessage)
	require.NotNil(t, story.StoryText)
	assert.Equal(t, []string{db.StageStory}, logStages(story.Logs))
	assert.Equal(t, 1, b.count("story-a"))
}

func TestRun_AlreadyClaimed(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	submitted, _, err := h.runner.Submit(context.Background(), &types.GenerateRequest{UserPrompt: "A knight finds a forest"})
	require.NoError(t, err)

	_, err = h.runner.Run(context.Background(), submitted.ID, RunOptions{})
	require.NoError(t, err)
	_, err = h.runner.Run(context.Background(), submitted.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestRun_ConcurrentRunsClaimOnce(t *testing.T) {
	b := newFakeBackend()
	h := newHarness(t, b)
	submitted, _, err := h.runner.Submit(context.Background(), &types.GenerateRequest{UserPrompt: "A knight finds a forest"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, claimed int
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.Run(context.Background(), submitted.ID, RunOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyClaimed):
				claimed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 4, claimed)
	assert.Equal(t, 1, b.storyCalls(), "one story generation")
	assert.Equal(t, 2, b.count("story-a"), "story and character calls of a single run")
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t, newFakeBackend())

	_, _, err := h.runner.Submit(context.Background(), &types.GenerateRequest{UserPrompt: "   "})
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
	assert.ErrorIs(t, err, types.ErrNoInput)

	_, _, err = h.runner.Submit(context.Background(), &types.GenerateRequest{
		Audio: &types.AudioUpload{Filename: "tale.aac", Data: []byte("x")},
	})
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
}

func TestGenerate_IdempotencyKeyReturnsExistingStory(t *testing.T) {
	b := newFakeBackend()
	h := newHarness(t, b)
	req := func() *types.GenerateRequest {
		return &types.GenerateRequest{UserPrompt: "A knight finds a forest", IdempotencyKey: "req-1"}
	}

	first := h.generate(t, req())
	second := h.generate(t, req())

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, db.StatusComplete, second.Status)
	assert.Len(t, second.Logs, len(first.Logs))
	assert.Equal(t, 1, b.storyCalls(), "one story generation")
	assert.Equal(t, 2, b.count("story-a"), "story and character calls of a single run")
}

// failingStore fails AppendLogs and passes everything else through.
type failingStore struct {
	db.Store
}

func (f *failingStore) AppendLogs(context.Context, uuid.UUID, []db.GenerationLog) error {
	return fmt.Errorf("disk full")
}

func TestRun_StorageFailureAbortsRun(t *testing.T) {
	mem := db.NewMemoryStore()
	h := newHarnessWithStore(t, newFakeBackend(), &failingStore{Store: mem})

	_, err := h.pool.Generate(context.Background(), &types.GenerateRequest{UserPrompt: "A knight finds a forest"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.Contains(t, err.Error(), "disk full")

	page, err := mem.ListStories(context.Background(), db.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Stories, 1)
	story, err := mem.GetStory(context.Background(), page.Stories[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, story.Status)
}

func TestRun_ProgressEvents(t *testing.T) {
	h := newHarness(t, newFakeBackend())

	var mu sync.Mutex
	var events []ProgressEvent
	story, err := h.pool.Generate(context.Background(), &types.GenerateRequest{UserPrompt: "A knight finds a forest"},
		RunOptions{OnProgress: func(e ProgressEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, db.StageStory, events[0].Stage)
	assert.Equal(t, ProgressStarted, events[0].Status)
	assert.Equal(t, db.StateGeneratingStory, events[0].State)

	last := events[len(events)-1]
	assert.Equal(t, ProgressFinished, last.Status)
	assert.Equal(t, db.StatusComplete, last.State)
	final, ok := last.Content.(*db.Story)
	require.True(t, ok)
	assert.Equal(t, story.ID, final.ID)

	completed := map[string]bool{}
	for _, e := range events {
		assert.Equal(t, story.ID.String(), e.StoryID)
		if e.Status == ProgressCompleted {
			completed[e.Stage] = true
		}
	}
	assert.Len(t, completed, 5)
}
