package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
	"github.com/unclebandit/campaign-scheduler/internal/service"
)

func TestRenderTemplate(t *testing.T) {
	ts := service.NewTemplateService()
	contact := model.Contact{
		Address:     "+254700000001",
		DisplayName: "Alice",
		Variables:   map[string]string{"product": "Shoes"},
	}

	out, err := ts.Render("Hi {{ name }}, {{ product }} are back", contact)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, Shoes are back", out)

	// single-brace placeholders still work
	out, err = ts.Render("Hi {display_name}, we texted {address}", contact)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, we texted +254700000001", out)

	out, err = ts.Render("{{ missing | default: 'friend' }}", contact)
	require.NoError(t, err)
	assert.Equal(t, "friend", out)
}

func TestRenderErrors(t *testing.T) {
	ts := service.NewTemplateService()

	_, err := ts.Render("{% for x in items %}{{ x }}", model.Contact{})
	assert.ErrorIs(t, err, appErrors.ErrRenderFailed)

	assert.ErrorIs(t, ts.Validate(""), appErrors.ErrValidation)
	assert.ErrorIs(t, ts.Validate("{% if name %}unterminated"), appErrors.ErrValidation)
	assert.NoError(t, ts.Validate("Hi {{ name }}"))
}
