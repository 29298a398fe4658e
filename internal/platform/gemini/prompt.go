package gemini

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/phrazzld/canvas-api/internal/generation"
)

//go:embed prompt.tmpl
var defaultPromptTemplate string

type promptData struct {
	Prompt        string
	Width         int
	Height        int
	Steps         int
	GuidanceScale float64
	Seed          int64
	Model         string
	Scheduler     string
	HasInput      bool
}

// loadPromptTemplate parses the template at path, or the built-in one when
// path is empty.
func loadPromptTemplate(path string) (*template.Template, error) {
	text := defaultPromptTemplate
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read prompt template: %v", generation.ErrInvalidConfig, err)
		}
		text = string(data)
	}
	tmpl, err := template.New("image-prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parse prompt template: %v", generation.ErrInvalidConfig, err)
	}
	return tmpl, nil
}

func renderPrompt(tmpl *template.Template, req generation.Request) (string, error) {
	p := req.Parameters
	var b strings.Builder
	if err := tmpl.Execute(&b, promptData{
		Prompt:        req.Prompt,
		Width:         p.Width,
		Height:        p.Height,
		Steps:         p.Steps,
		GuidanceScale: p.GuidanceScale,
		Seed:          p.Seed,
		Model:         p.Model,
		Scheduler:     p.Scheduler,
		HasInput:      len(req.InputImage) > 0,
	}); err != nil {
		return "", fmt.Errorf("%w: render prompt: %v", generation.ErrGenerationFailed, err)
	}
	return b.String(), nil
}
