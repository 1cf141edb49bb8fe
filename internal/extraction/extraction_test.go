package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		width      string
		drop       string
		unit       string
		rest       string
		confidence float64
	}{
		{"cross with trailing unit", "Roller Blind 120 x 180cm", "120", "180", "cm", "Roller Blind", 0.8},
		{"cross with both units", "Blackout Blind 60cm x 150cm White", "60", "150", "cm", "Blackout Blind White", 0.8},
		{"cross without unit", "Vertical Blind 90X200", "90", "200", "", "Vertical Blind", 0.6},
		{"labelled", "Roman Blind Width 120cm Drop 160cm", "120", "160", "cm", "Roman Blind", 0.9},
		{"decimal comma", "Panel 45,5 x 100 in", "45.5", "100", "in", "Panel", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dims, rest, confidence := ParseDimensions(tt.text)

			require.NotNil(t, dims)
			assert.Equal(t, tt.width, dims.Width)
			assert.Equal(t, tt.drop, dims.Drop)
			assert.Equal(t, tt.unit, dims.Unit)
			assert.Equal(t, tt.rest, rest)
			assert.Equal(t, tt.confidence, confidence)
		})
	}
}

func TestParseDimensions_NoMatch(t *testing.T) {
	dims, rest, confidence := ParseDimensions("Linen Cushion Cover")

	assert.Nil(t, dims)
	assert.Equal(t, "Linen Cushion Cover", rest)
	assert.Zero(t, confidence)
}

func TestExtractDimensions_FromName(t *testing.T) {
	res := ExtractDimensions(map[string]interface{}{"name": "Roller Blind 120 x 180cm", "sku": "RB-120"})

	require.NotNil(t, res)
	assert.Equal(t, "name", res.SourceField)
	assert.Equal(t, "120cm", res.Fields["width"])
	assert.Equal(t, "180cm", res.Fields["drop"])
	assert.Equal(t, "120x180cm", res.Fields["size"])
	assert.Equal(t, "Roller Blind", res.Fields["enhanced_name"])
}

func TestExtractDimensions_FromDescriptionKeepsName(t *testing.T) {
	res := ExtractDimensions(map[string]interface{}{
		"name":        "Roller Blind",
		"description": "Fits windows 90 x 120cm",
	})

	require.NotNil(t, res)
	assert.Equal(t, "description", res.SourceField)
	assert.NotContains(t, res.Fields, "enhanced_name")
}

func TestExtractDimensions_NothingFound(t *testing.T) {
	assert.Nil(t, ExtractDimensions(map[string]interface{}{"name": "Cushion"}))
	assert.Nil(t, ExtractDimensions(map[string]interface{}{}))
}

func TestDetectMadeToMeasure(t *testing.T) {
	tests := []struct {
		row        map[string]interface{}
		confidence float64
		source     string
	}{
		{map[string]interface{}{"name": "Made to Measure Roller Blind"}, 0.95, "name"},
		{map[string]interface{}{"name": "Roller Blind", "description": "Bespoke, cut-to-size fabric"}, 0.75, "description"},
		{map[string]interface{}{"name": "MTM Roman Blind"}, 0.85, "name"},
	}
	for _, tt := range tests {
		res := DetectMadeToMeasure(tt.row)

		require.NotNil(t, res, tt.row)
		assert.Equal(t, true, res.Fields["made_to_measure"])
		assert.Equal(t, tt.confidence, res.Confidence)
		assert.Equal(t, tt.source, res.SourceField)
	}
}

func TestDetectMadeToMeasure_ExplicitColumnWins(t *testing.T) {
	assert.Nil(t, DetectMadeToMeasure(map[string]interface{}{"name": "Made to Measure Blind", "made_to_measure": "false"}))
	assert.Nil(t, DetectMadeToMeasure(map[string]interface{}{"name": "Ready Made Curtain"}))
}
