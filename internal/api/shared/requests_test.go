package shared

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Prompt string `json:"prompt" validate:"required"`
	Steps  int    `json:"steps"  validate:"gte=0"`
}

type selfValidating struct{ ok bool }

func (s selfValidating) Validate() error {
	if !s.ok {
		return errors.New("not ok")
	}
	return nil
}

func TestDecodeJSON(t *testing.T) {
	t.Run("valid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"a fox","steps":12}`))
		var p samplePayload
		require.NoError(t, DecodeJSON(req, &p))
		assert.Equal(t, samplePayload{Prompt: "a fox", Steps: 12}, p)
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":`))
		var p samplePayload
		assert.Error(t, DecodeJSON(req, &p))
	})

	t.Run("empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var p samplePayload
		assert.ErrorIs(t, DecodeJSON(req, &p), ErrEmptyBody)
	})
}

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(samplePayload{Prompt: "x"}))
	assert.Error(t, ValidateRequest(samplePayload{}))
	assert.Error(t, ValidateRequest(samplePayload{Prompt: "x", Steps: -1}))

	assert.NoError(t, ValidateRequest(selfValidating{ok: true}))
	assert.EqualError(t, ValidateRequest(selfValidating{}), "not ok")
}
