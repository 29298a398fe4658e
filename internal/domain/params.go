package domain

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Defaults applied to parameters a client leaves out.
const (
	DefaultWidth         = 512
	DefaultHeight        = 512
	DefaultSteps         = 30
	DefaultGuidanceScale = 7.5
	DefaultModel         = "sdxl-base"
	DefaultScheduler     = "euler_a"
)

// Parameters holds the generation knobs for a task. Every field is set once
// defaults are resolved, so a persisted task never carries a partial set.
type Parameters struct {
	Width         int     `json:"width"          validate:"dimension"`
	Height        int     `json:"height"         validate:"dimension"`
	Steps         int     `json:"steps"          validate:"gte=1,lte=200"`
	GuidanceScale float64 `json:"guidance_scale" validate:"gte=0,lte=30"`
	Seed          int64   `json:"seed"           validate:"gte=0"`
	Model         string  `json:"model"          validate:"oneof=sdxl-base sdxl-turbo sd-1.5"`
	Scheduler     string  `json:"scheduler"      validate:"oneof=euler_a euler ddim dpmpp_2m"`
}

// ParameterInput is the client-supplied form of Parameters. Nil fields take
// their default during Resolve.
type ParameterInput struct {
	Width         *int     `json:"width,omitempty"`
	Height        *int     `json:"height,omitempty"`
	Steps         *int     `json:"steps,omitempty"`
	GuidanceScale *float64 `json:"guidance_scale,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Model         *string  `json:"model,omitempty"`
	Scheduler     *string  `json:"scheduler,omitempty"`
}

var paramValidator = newParamValidator()

func newParamValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Sizes must land on the model's 8x latent grid.
	// ALLOW-PANIC: registration only fails for an empty tag name
	if err := v.RegisterValidation("dimension", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n >= 64 && n <= 2048 && n%8 == 0
	}); err != nil {
		panic(err)
	}
	return v
}

// RandomSeed returns a non-negative seed for requests that don't pin one.
func RandomSeed() int64 {
	return rand.Int64N(math.MaxUint32)
}

// Resolve fills unset fields with defaults and validates the result. seed is
// called only when the input has no seed; a nil seed func uses RandomSeed.
func (in ParameterInput) Resolve(seed func() int64) (Parameters, error) {
	if seed == nil {
		seed = RandomSeed
	}

	p := Parameters{
		Width:         DefaultWidth,
		Height:        DefaultHeight,
		Steps:         DefaultSteps,
		GuidanceScale: DefaultGuidanceScale,
		Model:         DefaultModel,
		Scheduler:     DefaultScheduler,
	}
	if in.Width != nil {
		p.Width = *in.Width
	}
	if in.Height != nil {
		p.Height = *in.Height
	}
	if in.Steps != nil {
		p.Steps = *in.Steps
	}
	if in.GuidanceScale != nil {
		p.GuidanceScale = *in.GuidanceScale
	}
	if in.Model != nil {
		p.Model = strings.TrimSpace(*in.Model)
	}
	if in.Scheduler != nil {
		p.Scheduler = strings.TrimSpace(*in.Scheduler)
	}
	if in.Seed != nil {
		p.Seed = *in.Seed
	} else {
		p.Seed = seed()
	}

	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Validate checks every field against its allowed range. The returned error
// wraps ErrValidation and names the first offending field.
func (p Parameters) Validate() error {
	err := paramValidator.Struct(p)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	fe := verrs[0]
	field := jsonFieldName(fe.StructField())
	switch fe.Tag() {
	case "dimension":
		return fmt.Errorf("%w: %s must be a multiple of 8 between 64 and 2048", ErrValidation, field)
	case "oneof":
		return fmt.Errorf("%w: %s must be one of [%s]", ErrValidation, field, fe.Param())
	case "gte":
		return fmt.Errorf("%w: %s must be at least %s", ErrValidation, field, fe.Param())
	case "lte":
		return fmt.Errorf("%w: %s must be at most %s", ErrValidation, field, fe.Param())
	default:
		return fmt.Errorf("%w: %s is invalid", ErrValidation, field)
	}
}

func jsonFieldName(structField string) string {
	switch structField {
	case "GuidanceScale":
		return "guidance_scale"
	default:
		return strings.ToLower(structField)
	}
}
