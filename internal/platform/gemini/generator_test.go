package gemini

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/domain"
	"github.com/phrazzld/canvas-api/internal/generation"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type call struct {
	model    string
	contents []*genai.Content
}

type fakeModels struct {
	mu        sync.Mutex
	calls     []call
	responses []*genai.GenerateContentResponse
	errs      []error
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, call{model: model, contents: contents})
	var (
		resp *genai.GenerateContentResponse
		err  error
	)
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.responses) {
		resp = f.responses[i]
	} else if len(f.responses) > 0 {
		resp = f.responses[len(f.responses)-1]
	}
	return resp, err
}

func (f *fakeModels) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "here is your image"},
			{InlineData: &genai.Blob{Data: data, MIMEType: "image/png"}},
		}},
		FinishReason: genai.FinishReasonStop,
	}}}
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		ImageModel: "test-image-model",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	}
}

func testRequest() generation.Request {
	params, _ := domain.ParameterInput{}.Resolve(func() int64 { return 42 })
	return generation.Request{TaskID: uuid.New(), Prompt: "a paper boat", Parameters: params}
}

func newTestGenerator(t *testing.T, models modelClient, cfg config.WorkerConfig) *Generator {
	t.Helper()
	_, log := logger.NewTestLogger(t)
	g, err := newGenerator(models, cfg, log)
	require.NoError(t, err)
	return g
}

func TestGenerate_ReturnsInlineImage(t *testing.T) {
	t.Parallel()
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse([]byte("png-bytes"))}}
	g := newTestGenerator(t, models, testConfig())

	req := testRequest()
	req.InputImage = []byte("input")
	req.InputImageType = "image/jpeg"

	img, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), img.Data)
	assert.Equal(t, "image/png", img.ContentType)

	require.Equal(t, 1, models.count())
	sent := models.calls[0]
	assert.Equal(t, "test-image-model", sent.model)
	require.Len(t, sent.contents, 1)
	parts := sent.contents[0].Parts
	require.Len(t, parts, 2)
	assert.True(t, strings.HasPrefix(parts[0].Text, "a paper boat"))
	assert.Contains(t, parts[0].Text, "512x512")
	assert.Contains(t, parts[0].Text, "Variation seed: 42")
	assert.Contains(t, parts[0].Text, "attached image")
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, []byte("input"), parts[1].InlineData.Data)
	assert.Equal(t, "image/jpeg", parts[1].InlineData.MIMEType)
}

func TestGenerate_PromptOnlyHasNoImagePart(t *testing.T) {
	t.Parallel()
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse([]byte("x"))}}
	g := newTestGenerator(t, models, testConfig())

	_, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	parts := models.calls[0].contents[0].Parts
	require.Len(t, parts, 1)
	assert.NotContains(t, parts[0].Text, "attached image")
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	t.Parallel()
	models := &fakeModels{
		errs:      []error{errors.New("503 unavailable"), errors.New("connection reset")},
		responses: []*genai.GenerateContentResponse{nil, nil, imageResponse([]byte("ok"))},
	}
	g := newTestGenerator(t, models, testConfig())

	img, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), img.Data)
	assert.Equal(t, 3, models.count())
}

func TestGenerate_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	boom := errors.New("503 unavailable")
	models := &fakeModels{errs: []error{boom, boom, boom, boom}}
	g := newTestGenerator(t, models, testConfig())

	_, err := g.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrTransientFailure)
	assert.True(t, generation.Retryable(err))
	assert.Equal(t, 3, models.count())
}

func TestGenerate_PermanentFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want error
	}{
		{
			name: "safety block",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
			want: generation.ErrContentBlocked,
		},
		{
			name: "text only",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{Text: "I cannot draw that"}}},
			}}},
			want: ErrNoImage,
		},
		{
			name: "no candidates",
			resp: &genai.GenerateContentResponse{},
			want: generation.ErrInvalidResponse,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			models := &fakeModels{responses: []*genai.GenerateContentResponse{tc.resp}}
			g := newTestGenerator(t, models, testConfig())

			_, err := g.Generate(context.Background(), testRequest())
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, generation.Retryable(err))
			assert.Equal(t, 1, models.count())
		})
	}
}

func TestGenerate_RejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	models := &fakeModels{}
	g := newTestGenerator(t, models, testConfig())

	_, err := g.Generate(context.Background(), generation.Request{TaskID: uuid.New()})
	assert.ErrorIs(t, err, generation.ErrGenerationFailed)
	assert.Zero(t, models.count())
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), config.WorkerConfig{ImageModel: "m"}, nil)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = New(context.Background(), config.WorkerConfig{GeminiAPIKey: "k"}, nil)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}

func TestPromptTemplateFromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("{{.Prompt}} at {{.Width}}px"), 0o600))

	cfg := testConfig()
	cfg.PromptTemplatePath = path
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse([]byte("x"))}}
	g := newTestGenerator(t, models, cfg)

	_, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "a paper boat at 512px", models.calls[0].contents[0].Parts[0].Text)

	cfg.PromptTemplatePath = filepath.Join(dir, "missing.tmpl")
	_, err = newGenerator(models, cfg, nil)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}
