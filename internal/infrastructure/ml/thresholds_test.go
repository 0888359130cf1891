package ml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrialStreamer/internal/domain"
)

const calibration = `{"thresholds": {
	"svm_cnn_ptyp": {"precise": 0.8, "balanced": 0.5, "sensitive": 0.2},
	"svm_cnn": {"precise": 0.9, "balanced": 0.6, "sensitive": 0.3}
}}`

func mustThresholds(t *testing.T) *Thresholds {
	t.Helper()
	th, err := ParseThresholds([]byte(calibration))
	require.NoError(t, err)
	return th
}

func TestDecideMatchesCutoffs(t *testing.T) {
	t.Parallel()

	th := mustThresholds(t)
	for _, score := range []float64{0, 0.2, 0.35, 0.5, 0.79, 0.8, 1} {
		d, err := th.Decide("svm_cnn_ptyp", score)
		require.NoError(t, err)
		assert.Equal(t, score >= 0.8, d.Precise, "precise at %v", score)
		assert.Equal(t, score >= 0.5, d.Balanced, "balanced at %v", score)
		assert.Equal(t, score >= 0.2, d.Sensitive, "sensitive at %v", score)
	}
}

func TestDecideUsesVariantTable(t *testing.T) {
	t.Parallel()

	th := mustThresholds(t)

	withPtyp, err := th.Decide("svm_cnn_ptyp", 0.55)
	require.NoError(t, err)
	withoutPtyp, err := th.Decide("svm_cnn", 0.55)
	require.NoError(t, err)

	assert.True(t, withPtyp.Balanced)
	assert.False(t, withoutPtyp.Balanced)
	assert.True(t, withoutPtyp.Sensitive)
}

func TestDecideUnknownVariant(t *testing.T) {
	t.Parallel()

	_, err := mustThresholds(t).Decide("cnn", 0.9)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestThresholdsAreCopied(t *testing.T) {
	t.Parallel()

	table := map[string]map[string]float64{"svm_cnn": {"precise": 0.9, "balanced": 0.6, "sensitive": 0.3}}
	th, err := NewThresholds(table)
	require.NoError(t, err)

	table["svm_cnn"]["precise"] = 0.1
	cutoff, ok := th.Cutoff("svm_cnn", domain.TierPrecise)
	require.True(t, ok)
	assert.Equal(t, 0.9, cutoff)
	assert.Equal(t, []string{"svm_cnn"}, th.Models())
}

func TestThresholdsValidation(t *testing.T) {
	t.Parallel()

	_, err := ParseThresholds([]byte(`{"thresholds": {}}`))
	require.Error(t, err)

	_, err = ParseThresholds([]byte(`{"thresholds": {"svm_cnn": {"precise": 0.9}}}`))
	require.Error(t, err)

	_, err = ParseThresholds([]byte(`not json`))
	require.Error(t, err)
}

func TestLoadThresholds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rct_model_calibration.json")
	require.NoError(t, os.WriteFile(path, []byte(calibration), 0o644))

	th, err := LoadThresholds(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"svm_cnn", "svm_cnn_ptyp"}, th.Models())
}
