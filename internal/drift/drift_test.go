package drift

import (
	"errors"
	"testing"

	"cnnsvm/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// features builds n vectors whose first dimension ramps from offset and whose
// second dimension is constant.
func features(n int, offset float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{offset + float32(i)/10, 0.5}
	}
	return out
}

func TestCompare_SameDistribution(t *testing.T) {
	res, err := Compare(features(20, 0), features(20, 0), Config{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Dims)
	assert.Equal(t, defaultThreshold, res.Threshold)
	require.Len(t, res.Methods, 3)
	for _, m := range res.Methods {
		assert.InDelta(t, 0, m.Max, 1e-12, string(m.Method))
		assert.Zero(t, m.Drifted, string(m.Method))
	}
	assert.Empty(t, res.Alerts)
	assert.False(t, res.Drifted())
}

func TestCompare_ShiftedDimension(t *testing.T) {
	res, err := Compare(features(10, 0), features(10, 5), Config{})
	require.NoError(t, err)
	require.True(t, res.Drifted())

	byMethod := map[Method]MethodSummary{}
	for _, m := range res.Methods {
		byMethod[m.Method] = m
	}

	ks := byMethod[KolmogorovSmirnov]
	assert.InDelta(t, 1.0, ks.Max, 1e-12)
	assert.Equal(t, 0, ks.MaxDim)
	assert.Equal(t, 1, ks.Drifted)

	psi := byMethod[PopulationStabilityIndex]
	assert.Greater(t, psi.Max, 1.0)
	assert.Equal(t, 0, psi.MaxDim)

	moments := byMethod[StatisticalMoments]
	assert.Greater(t, moments.Max, 0.1)
	assert.Equal(t, 0, moments.MaxDim)

	require.NotEmpty(t, res.Alerts)
	for i, a := range res.Alerts {
		assert.Equal(t, 0, a.Dim)
		if i > 0 {
			assert.LessOrEqual(t, a.Score, res.Alerts[i-1].Score)
		}
	}
	assert.Equal(t, "critical", res.Alerts[0].Severity)
}

func TestCompare_MaxAlerts(t *testing.T) {
	res, err := Compare(features(10, 0), features(10, 5), Config{MaxAlerts: 1})
	require.NoError(t, err)
	assert.Len(t, res.Alerts, 1)
}

func TestCompare_SingleMethod(t *testing.T) {
	res, err := Compare(features(10, 0), features(10, 5), Config{Methods: []Method{KolmogorovSmirnov}, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, res.Methods, 1)
	assert.Equal(t, KolmogorovSmirnov, res.Methods[0].Method)
	assert.Equal(t, 0.5, res.Threshold)
}

func TestCompare_Errors(t *testing.T) {
	_, err := Compare(nil, features(3, 0), Config{})
	assert.Error(t, err)

	ragged := append(features(3, 0), []float32{1})
	_, err = Compare(features(3, 0), ragged, Config{})
	var shapeErr *common.FeatureShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr))

	_, err = Compare(features(3, 0), features(3, 0), Config{Methods: []Method{"chi_square"}})
	assert.Error(t, err)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "medium", severity(0.15, 0.1))
	assert.Equal(t, "high", severity(0.25, 0.1))
	assert.Equal(t, "critical", severity(0.31, 0.1))
}
