package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/generation"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"
)

const (
	defaultRetryBase = time.Second
	maxRetryDelay    = 10 * time.Second
)

// modelClient is the slice of *genai.Models the generator uses.
type modelClient interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Generator renders task images with a Gemini image model.
type Generator struct {
	models    modelClient
	model     string
	prompt    *template.Template
	retries   uint64
	retryBase time.Duration
	logger    *slog.Logger
}

var _ generation.Generator = (*Generator)(nil)

// New creates a Generator backed by the Gemini API.
func New(ctx context.Context, cfg config.WorkerConfig, logger *slog.Logger) (*Generator, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ImageModel == "" {
		return nil, fmt.Errorf("%w: image model cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", generation.ErrInvalidConfig, err)
	}
	return newGenerator(client.Models, cfg, logger)
}

func newGenerator(models modelClient, cfg config.WorkerConfig, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := loadPromptTemplate(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	retries := 0
	if cfg.MaxRetries > 0 {
		retries = cfg.MaxRetries
	}
	return &Generator{
		models:    models,
		model:     cfg.ImageModel,
		prompt:    tmpl,
		retries:   uint64(retries),
		retryBase: base,
		logger:    logger.With(slog.String("component", "gemini_generator")),
	}, nil
}

// Generate implements generation.Generator.
func (g *Generator) Generate(ctx context.Context, req generation.Request) (*generation.Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContextOrDefault(ctx, g.logger).With(slog.String("task_id", req.TaskID.String()))

	text, err := renderPrompt(g.prompt, req)
	if err != nil {
		return nil, err
	}
	parts := []*genai.Part{genai.NewPartFromText(text)}
	if len(req.InputImage) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.InputImage, req.InputImageType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	genCfg := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}

	backoff := retry.WithMaxRetries(g.retries,
		retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(g.retryBase)))

	var (
		image   *generation.Image
		attempt int
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := g.models.GenerateContent(ctx, g.model, contents, genCfg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("gemini call failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		image, err = extractImage(resp)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrContentBlocked), errors.Is(err, generation.ErrInvalidResponse):
			log.Info("gemini refused the request", slog.String("error", err.Error()))
			return nil, err
		default:
			return nil, fmt.Errorf("%w: after %d attempts: %w", generation.ErrTransientFailure, attempt, err)
		}
	}

	log.Debug("image generated",
		slog.Int("attempts", attempt),
		slog.Int("bytes", len(image.Data)),
		slog.String("content_type", image.ContentType))
	return image, nil
}

// extractImage returns the first inline image of the first usable candidate.
func extractImage(resp *genai.GenerateContentResponse) (*generation.Image, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	}
	for _, c := range resp.Candidates {
		if c == nil {
			continue
		}
		if c.FinishReason == genai.FinishReasonSafety {
			return nil, generation.ErrContentBlocked
		}
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			if strings.HasPrefix(p.InlineData.MIMEType, "image/") {
				return &generation.Image{Data: p.InlineData.Data, ContentType: p.InlineData.MIMEType}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", generation.ErrInvalidResponse, ErrNoImage)
}
