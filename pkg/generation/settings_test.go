package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsString(t *testing.T) {
	s := Settings{"host": "worker-1", "port": 7821}
	assert.Equal(t, "worker-1", s.String("host", "fallback"))
	assert.Equal(t, "fallback", s.String("missing", "fallback"))
	assert.Equal(t, "fallback", s.String("port", "fallback"), "non-string values fall back")
}

func TestSettingsInt(t *testing.T) {
	tests := []struct {
		name string
		s    Settings
		want int
	}{
		{"int", Settings{"port": 7821}, 7821},
		{"json float64", Settings{"port": float64(7821)}, 7821},
		{"numeric string", Settings{"port": "7821"}, 7821},
		{"missing", Settings{}, 80},
		{"garbage string", Settings{"port": "eighty"}, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Int("port", 80))
		})
	}
}

func TestSettingsFloat(t *testing.T) {
	assert.InDelta(t, 7.5, Settings{"cfg": 7.5}.Float("cfg", 1), 0.001)
	assert.InDelta(t, 7.5, Settings{"cfg": "7.5"}.Float("cfg", 1), 0.001)
	assert.InDelta(t, 1, Settings{}.Float("cfg", 1), 0.001)
}

func TestSettingsBool(t *testing.T) {
	assert.True(t, Settings{"on": true}.Bool("on", false))
	assert.True(t, Settings{"on": "true"}.Bool("on", false))
	assert.False(t, Settings{"on": "nope"}.Bool("on", false))
	assert.True(t, Settings{}.Bool("on", true))
}

func TestModelCatalogHas(t *testing.T) {
	catalog := ModelCatalog{
		CategoryMain: {"alpha", "beta"},
		CategoryVAE:  {"vae-ft"},
	}
	assert.True(t, catalog.Has(CategoryMain, "alpha"))
	assert.False(t, catalog.Has(CategoryMain, "vae-ft"))
	assert.False(t, catalog.Has(CategoryLoRA, "alpha"))
}

func TestSettingKindString(t *testing.T) {
	assert.Equal(t, "text", SettingText.String())
	assert.Equal(t, "integer", SettingInteger.String())
	assert.Equal(t, "decimal", SettingDecimal.String())
	assert.Equal(t, "bool", SettingBool.String())
	assert.Equal(t, "unknown", SettingKind(9).String())
}
