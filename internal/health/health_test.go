package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/story-illustrator/internal/inference"
	"github.com/jonathan/story-illustrator/internal/metrics"
	"github.com/jonathan/story-illustrator/internal/ratelimit"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type checkFunc func() error

func (f checkFunc) Check() error { return f() }

type fakeCapability struct {
	name   string
	models []inference.ModelRef
	status map[string]inference.ModelStatus
}

func (f *fakeCapability) Name() string                 { return f.name }
func (f *fakeCapability) Models() []inference.ModelRef { return f.models }

func (f *fakeCapability) CheckModelStatus(_ context.Context, m inference.ModelRef) inference.ModelStatus {
	if s, ok := f.status[m.String()]; ok {
		return s
	}
	return inference.StatusAvailable
}

func capability(t *testing.T, name string, refs ...string) *fakeCapability {
	t.Helper()
	models, err := inference.ParseModelRefs(refs)
	require.NoError(t, err)
	return &fakeCapability{name: name, models: models, status: map[string]inference.ModelStatus{}}
}

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestCheck_AllAvailable(t *testing.T) {
	text := capability(t, inference.CapabilityTextGenerator, "huggingface:gpt2", "ollama:llama3")
	c := NewChecker(Deps{
		Database:     up,
		Storage:      checkFunc(func() error { return nil }),
		Capabilities: []inference.Capability{text},
		Limiter:      ratelimit.NewLimiter(nil, ratelimit.Config{DefaultBudget: 10}),
		Window:       metrics.NewCallWindow(10),
	}, Config{})

	res := c.Check(context.Background())

	assert.Equal(t, Available, res.Status)
	require.Len(t, res.Services, 3)
	assert.Equal(t, Available, res.Services[ServiceDatabase].Status)
	assert.Equal(t, Available, res.Services[ServiceFileStorage].Status)
	th := res.Services[inference.CapabilityTextGenerator]
	assert.Equal(t, Available, th.Status)
	assert.Len(t, th.Models, 2)
	assert.Equal(t, map[string]float64{"huggingface": 0, "ollama": 0}, th.Utilization)
	assert.Nil(t, th.ExhaustionRate)
	assert.False(t, res.Timestamp.IsZero())
}

func TestCheck_DatabaseDownIsUnavailable(t *testing.T) {
	c := NewChecker(Deps{Database: down, Storage: checkFunc(func() error { return nil })}, Config{})

	res := c.Check(context.Background())

	assert.Equal(t, Unavailable, res.Status)
	assert.Equal(t, Unavailable, res.Services[ServiceDatabase].Status)
	assert.Contains(t, res.Services[ServiceDatabase].Error, "connection refused")
}

func TestCheck_StorageDownIsUnavailable(t *testing.T) {
	c := NewChecker(Deps{Database: up, Storage: checkFunc(func() error { return errors.New("read-only") })}, Config{})
	assert.Equal(t, Unavailable, c.Check(context.Background()).Status)
}

func TestCheck_AllModelsUnreachable(t *testing.T) {
	images := capability(t, inference.CapabilityImageGenerator, "huggingface:sd-1", "huggingface:sd-2")
	images.status["huggingface:sd-1"] = inference.StatusUnavailable
	images.status["huggingface:sd-2"] = inference.StatusUnavailable

	c := NewChecker(Deps{Database: up, Capabilities: []inference.Capability{images}}, Config{})
	res := c.Check(context.Background())

	assert.Equal(t, Degraded, res.Status)
	assert.Equal(t, Unavailable, res.Services[inference.CapabilityImageGenerator].Status)
}

func TestCheck_SomeModelsUnreachableStaysAvailable(t *testing.T) {
	images := capability(t, inference.CapabilityImageGenerator, "huggingface:sd-1", "huggingface:sd-2")
	images.status["huggingface:sd-1"] = inference.StatusUnavailable
	images.status["huggingface:sd-2"] = inference.StatusUnknown

	c := NewChecker(Deps{Capabilities: []inference.Capability{images}}, Config{})
	assert.Equal(t, Available, c.Check(context.Background()).Services[inference.CapabilityImageGenerator].Status)
}

func TestCheck_HighUtilizationDegrades(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, ratelimit.Config{DefaultBudget: 10})
	for i := 0; i < 10; i++ {
		require.True(t, limiter.TryAcquire(context.Background(), "huggingface"))
	}
	text := capability(t, inference.CapabilityTextGenerator, "huggingface:gpt2", "ollama:llama3")

	c := NewChecker(Deps{Capabilities: []inference.Capability{text}, Limiter: limiter}, Config{})
	res := c.Check(context.Background())

	th := res.Services[inference.CapabilityTextGenerator]
	assert.Equal(t, Degraded, th.Status)
	assert.Equal(t, 1.0, th.Utilization["huggingface"])
	assert.Equal(t, Degraded, res.Status)
}

func TestCheck_ExhaustionRateDegrades(t *testing.T) {
	window := metrics.NewCallWindow(10)
	for i := 0; i < 10; i++ {
		window.Observe(inference.CapabilityTranscriber, i%3 != 0)
	}
	tr := capability(t, inference.CapabilityTranscriber, "openai:whisper-1")

	c := NewChecker(Deps{Capabilities: []inference.Capability{tr}, Window: window}, Config{})
	th := c.Check(context.Background()).Services[inference.CapabilityTranscriber]

	assert.Equal(t, Degraded, th.Status)
	require.NotNil(t, th.ExhaustionRate)
	assert.InDelta(t, 0.6, *th.ExhaustionRate, 1e-9)
}

func TestCheck_FewSamplesDoNotDegrade(t *testing.T) {
	window := metrics.NewCallWindow(10)
	window.Observe(inference.CapabilityTranscriber, true)
	window.Observe(inference.CapabilityTranscriber, true)
	tr := capability(t, inference.CapabilityTranscriber, "openai:whisper-1")

	c := NewChecker(Deps{Capabilities: []inference.Capability{tr}, Window: window}, Config{})
	th := c.Check(context.Background()).Services[inference.CapabilityTranscriber]

	assert.Equal(t, Available, th.Status)
	require.NotNil(t, th.ExhaustionRate)
	assert.Equal(t, 1.0, *th.ExhaustionRate)
}
