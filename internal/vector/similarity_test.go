package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"known value", []float32{1, 2, 3}, []float32{4, 5, 6}, 0.9746318461970762},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float32{0.1, 0.2, 0.3}, 3))
	assert.Error(t, Validate([]float32{0.1, 0.2}, 3))
	assert.Error(t, Validate([]float32{0.1, float32(math.NaN()), 0.3}, 3))
	assert.Error(t, Validate([]float32{float32(math.Inf(1)), 0, 0}, 3))
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode([]float32{0.5, -0.25, 1})
	require.NoError(t, err)

	v, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, v)

	data, err = Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	v, err = Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)
}
