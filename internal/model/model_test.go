package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleModel = `{
    "RX": {
        "alpha0": 0.002565,
        "alpha1": 1749.15,
        "beta": {"64": 0.2, "1460": 0.05},
        "x_max": {"64": 2.5, "1460": 28.0}
    },
    "TX": {
        "alpha0": 0.01,
        "alpha1": 900,
        "beta": {"64": 0.1, "1460": 0.3},
        "x_max": {"64": 1.0, "1460": 30.0}
    },
    "gamma": 3.8
}`

func sampleParams(t *testing.T) *Params {
	t.Helper()
	p, err := Parse([]byte(sampleModel))
	require.NoError(t, err)
	return p
}

func TestParse(t *testing.T) {
	p := sampleParams(t)
	assert.Equal(t, 3.8, p.Gamma)
	require.Contains(t, p.Curves, TX)
	require.Contains(t, p.Curves, RX)
	assert.Equal(t, 1.0, p.Curves[TX].XMax[64])
	assert.Equal(t, 0.05, p.Curves[RX].Beta[1460])
}

func TestEstimateClampsToXMax(t *testing.T) {
	m := New(sampleParams(t), DefaultXMin)
	got, err := m.Estimate(TX, 5.0, 64)
	require.NoError(t, err)
	// 0.01*(1+900/64)*1.0 + 0.1 + 3.8
	assert.InDelta(t, 4.050625, got, 1e-9)
}

func TestEstimateBelowXMinIsGamma(t *testing.T) {
	m := New(sampleParams(t), DefaultXMin)
	got, err := m.Estimate(TX, 0.05, 64)
	require.NoError(t, err)
	assert.Equal(t, 3.8, got)
}

func TestEstimateBetweenXMinAndXMax(t *testing.T) {
	m := New(sampleParams(t), DefaultXMin)
	got, err := m.Estimate(TX, 10, 1460)
	require.NoError(t, err)
	alpha := 0.01 * (1 + 900.0/1460.0)
	assert.InDelta(t, alpha*10+0.3+3.8, got, 1e-9)
}

func TestEstimateMonotoneUpToXMax(t *testing.T) {
	m := New(sampleParams(t), DefaultXMin)
	prev := 0.0
	for x := 0.1; x <= 40; x += 0.5 {
		got, err := m.Estimate(TX, x, 1460)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	atMax, _ := m.Estimate(TX, 30, 1460)
	beyond, _ := m.Estimate(TX, 300, 1460)
	assert.Equal(t, atMax, beyond)
}

func TestEstimateErrors(t *testing.T) {
	m := New(sampleParams(t), DefaultXMin)
	_, err := m.Estimate(TX, 1, 100)
	assert.ErrorIs(t, err, ErrUnknownPacketSize)
	_, err = m.Estimate(Direction("UP"), 1, 64)
	assert.ErrorIs(t, err, ErrUnknownDirection)
}

func TestSizesAscending(t *testing.T) {
	m := New(sampleParams(t), 0)
	assert.Equal(t, []int{64, 1460}, m.Sizes(TX))
	assert.Equal(t, DefaultXMin, m.XMin())
}

func TestParseRejectsMismatchedKeys(t *testing.T) {
	_, err := Parse([]byte(`{"gamma": 1, "TX": {"alpha0": 1, "alpha1": 1, "x_max": {"64": 1}, "beta": {"128": 1}}}`))
	assert.ErrorIs(t, err, ErrMalformedModel)
	_, err = Parse([]byte(`{"TX": {}}`))
	assert.ErrorIs(t, err, ErrMalformedModel)
	_, err = Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedModel)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleModel), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Curves, 2)
}
