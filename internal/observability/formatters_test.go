package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/health"
	"github.com/jonathan/story-illustrator/internal/pipeline"
)

func strPtr(s string) *string { return &s }

func TestPrintStory(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	elapsed := 12.34
	story := &db.Story{
		ID:                   uuid.New(),
		UserPrompt:           strPtr("A knight finds a forest"),
		StoryText:            strPtr("Once upon a time a knight wandered into a forest that whispered his name."),
		CharacterDescription: strPtr("Sir Aldric. Tall knight in silver armor."),
		BackgroundImage:      strPtr("background/ab/abcdef.png"),
		Status:               db.StatusPartial,
		ProcessingTime:       &elapsed,
		GenerationParameters: map[string]db.StageParameters{
			db.StageStory:           {ModelUsed: "huggingface:gpt2", AttemptCount: 1},
			db.StageBackgroundImage: {ModelUsed: "openai:dall-e-2", AttemptCount: 4, FallbackUsed: true},
		},
	}

	p.PrintStory(story)
	output := buf.String()

	assert.Contains(t, output, "STORY")
	assert.Contains(t, output, story.ID.String())
	assert.Contains(t, output, "partial")
	assert.Contains(t, output, "12.3s")
	assert.Contains(t, output, "A knight finds a forest")
	assert.Contains(t, unwrapBox(output), "a forest that whispered his name.")
	assert.Contains(t, output, "Sir Aldric.")
	assert.Contains(t, output, "background/ab/abcdef.png")
	assert.Contains(t, output, "openai:dall-e-2 (4 attempts) fallback")
	// story stage is listed before background_image
	assert.Less(t, strings.Index(output, "huggingface:gpt2"), strings.Index(output, "openai:dall-e-2"))
}

// unwrapBox drops box borders and collapses whitespace so wrapped text can be
// matched as one sentence.
func unwrapBox(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "│", " ")), " ")
}

func TestPrintStory_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintStory(nil)
	assert.Empty(t, buf.String())
}

func TestPrintStory_WrapsLongLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintStory(&db.Story{ID: uuid.New(), Status: db.StatusComplete, StoryText: strPtr(strings.Repeat("forest ", 40))})

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, boxWidth, len([]rune(line)), line)
	}
}

func TestPrintStoryTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	elapsed := 3.5
	page := &db.StoryPage{
		Stories: []db.StoryPreview{
			{ID: uuid.New(), UserPrompt: strPtr(strings.Repeat("long prompt ", 10)), Status: db.StatusComplete, ProcessingTime: &elapsed, CreatedAt: time.Now()},
			{ID: uuid.New(), Status: db.StatusPending, CreatedAt: time.Now()},
		},
		Total: 7,
		Limit: 2,
	}

	p.PrintStoryTable(page)
	output := buf.String()

	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "(audio)")
	assert.Contains(t, output, "3.5s")
	assert.Contains(t, output, "...")
	assert.Contains(t, output, "Showing 1-2 of 7")
}

func TestPrintStoryTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintStoryTable(&db.StoryPage{})
	assert.Contains(t, buf.String(), "No stories found.")
}

func TestPrintLogs(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	kind := "rate_limit_exceeded"
	logs := []db.GenerationLog{
		{Stage: db.StageStory, AttemptNumber: 1, ModelUsed: "huggingface:gpt2", Succeeded: false, ErrorKind: &kind, DurationMs: 120},
		{Stage: db.StageStory, AttemptNumber: 2, ModelUsed: "ollama:llama3", Succeeded: true, DurationMs: 2500},
	}

	p.PrintLogs(logs)
	output := buf.String()

	assert.Contains(t, output, "rate_limit_exceeded")
	assert.Contains(t, output, "ollama:llama3")
	assert.Contains(t, output, "ok")
	assert.Contains(t, output, "2.5s")
	assert.Less(t, strings.Index(output, "huggingface:gpt2"), strings.Index(output, "ollama:llama3"))
}

func TestPrintLogs_Empty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintLogs(nil)
	assert.Contains(t, buf.String(), "No generation logs.")
}

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	rate := 0.6
	p.PrintHealth(health.Result{
		Status: health.Degraded,
		Services: map[string]health.ServiceHealth{
			health.ServiceDatabase: {Status: health.Available},
			"transcriber":          {Status: health.Degraded, ExhaustionRate: &rate},
		},
	})
	output := buf.String()

	assert.Contains(t, output, "Overall: degraded")
	assert.Contains(t, output, "database")
	assert.Contains(t, output, "exhaustion 60%")
}

func TestPrintProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintProgress(pipeline.ProgressEvent{Stage: db.StageStory, Status: pipeline.ProgressStarted})
	p.PrintProgress(pipeline.ProgressEvent{Stage: db.StageStory, Status: pipeline.ProgressCompleted})
	p.PrintProgress(pipeline.ProgressEvent{Stage: db.StageCharacterImage, Status: pipeline.ProgressSkipped})
	p.PrintProgress(pipeline.ProgressEvent{Status: pipeline.ProgressFinished, Message: "generation complete"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[1], "✓ story")
	assert.Contains(t, lines[2], "character_image")
	assert.Contains(t, lines[3], "generation complete")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
