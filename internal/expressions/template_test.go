package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"company": "Acme Corp",
			"contact": map[string]any{"name": "Jordan"},
			"seats":   float64(25),
		},
		"steps": map[string]any{
			"enrich": map[string]any{"industry": "logistics"},
		},
	}
}

func TestRenderTemplate_PlainText(t *testing.T) {
	out, err := RenderTemplate("no references here", testScope())
	require.NoError(t, err)
	assert.Equal(t, "no references here", out)
}

func TestRenderTemplate_ResolvesPaths(t *testing.T) {
	out, err := RenderTemplate(
		"Write to ${{ input.contact.name }} at ${{ input.company }} (${{ steps.enrich.industry }}).",
		testScope(),
	)
	require.NoError(t, err)
	assert.Equal(t, "Write to Jordan at Acme Corp (logistics).", out)
}

func TestRenderTemplate_NumbersRenderWithoutDecimal(t *testing.T) {
	out, err := RenderTemplate("${{ input.seats }} seats", testScope())
	require.NoError(t, err)
	assert.Equal(t, "25 seats", out)
}

func TestRenderTemplate_NonStringValuesJSONEncoded(t *testing.T) {
	out, err := RenderTemplate("ctx: ${{ steps.enrich }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, `ctx: {"industry":"logistics"}`, out)
}

func TestRenderTemplate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"unclosed", "hello ${{ input.company"},
		{"empty ref", "hello ${{  }}"},
		{"unknown ref", "hello ${{ input.missing }}"},
		{"non-object traversal", "hello ${{ input.company.x }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RenderTemplate(tt.template, testScope())
			assert.Error(t, err)
		})
	}
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation("x ${{ input.a }}"))
	assert.False(t, HasInterpolation("plain"))
}
