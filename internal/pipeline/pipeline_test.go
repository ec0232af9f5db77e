package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cnnsvm/internal/cfg"
	"cnnsvm/internal/common"
	"cnnsvm/internal/extractor"
	"cnnsvm/internal/storage"
	"cnnsvm/internal/svm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, path string, c color.NRGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	img := image.NewNRGBA(image.Rect(0, 0, 32, 28))
	for y := 0; y < 28; y++ {
		for x := 0; x < 32; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// catDogRoot lays out 5+5 training and 3+3 evaluation images. Cats are red,
// dogs are blue.
func catDogRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	counts := map[string]int{"train": 5, "test": 3}
	for split, n := range counts {
		for i := 0; i < n; i++ {
			shade := uint8(20 * i)
			writeImage(t, filepath.Join(root, split, "cat", split+string(rune('a'+i))+".png"),
				color.NRGBA{R: 220 - shade, G: 40 + shade, B: 20, A: 255})
			writeImage(t, filepath.Join(root, split, "dog", split+string(rune('a'+i))+".png"),
				color.NRGBA{R: 20, G: 40 + shade, B: 220 - shade, A: 255})
		}
	}
	return root
}

func testSettings(t *testing.T, root string) cfg.Settings {
	t.Helper()
	out := t.TempDir()

	s := cfg.Default()
	s.DataRoot = root
	s.Backend = common.BackendHistogram
	s.ImageSize = 16
	s.TrainTransforms = nil
	s.TestTransforms = nil
	s.BatchSize = 4
	s.Workers = 2
	s.Seed = 7
	s.ClassifierPath = filepath.Join(out, "svm_model.gob")
	s.ReportPath = filepath.Join(out, "classification_report.txt")
	s.MetricsFile = filepath.Join(out, "cnnsvm.prom")
	return cfg.WithTransformDefaults(s)
}

func TestRun_CatDog(t *testing.T) {
	s := testSettings(t, catDogRoot(t))

	store, err := storage.New(filepath.Join(t.TempDir(), "history"))
	require.NoError(t, err)
	defer store.Close()

	var console bytes.Buffer
	res, err := New(Options{Settings: s, Store: store, Console: &console}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"cat", "dog"}, res.ClassNames)
	assert.Equal(t, map[string]int{"train": 10, "test": 6}, res.Sizes)
	assert.Equal(t, extractor.DeviceCPU, res.Device)
	require.NotNil(t, res.Drift)
	assert.Equal(t, len(res.Train.Features[0]), res.Drift.Dims)

	require.Equal(t, 10, res.Train.Len())
	require.Equal(t, 6, res.Test.Len())
	assert.Len(t, res.Train.Labels, 10)
	assert.Len(t, res.Test.Labels, 6)
	dim := len(res.Train.Features[0])
	for _, f := range append(res.Train.Features, res.Test.Features...) {
		assert.Len(t, f, dim)
	}

	require.Len(t, res.Predictions, 6)
	for _, p := range res.Predictions {
		assert.Contains(t, []int{0, 1}, p)
	}

	var cells float64
	for _, row := range res.Report.Confusion {
		for _, v := range row {
			cells += v
		}
	}
	assert.InDelta(t, 1.0, cells, 1e-9)
	require.Len(t, res.Report.Classes, 2)
	assert.Equal(t, "cat", res.Report.Classes[0].Name)
	assert.Equal(t, "dog", res.Report.Classes[1].Name)
	assert.Equal(t, 6, res.Report.Classes[0].Support+res.Report.Classes[1].Support)
	assert.Equal(t, 1.0, res.Report.Accuracy)

	written, err := os.ReadFile(s.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, res.Report.Text()+"\n"+res.Report.MatrixText(), string(written))
	assert.Equal(t, string(written), console.String())

	model, err := svm.Load(s.ClassifierPath)
	require.NoError(t, err)
	again, err := model.Predict(res.Test.Matrix())
	require.NoError(t, err)
	assert.Equal(t, res.Predictions, again)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1.0, latest.Accuracy)
	assert.Equal(t, 10, latest.TrainSize())
	assert.Equal(t, 6, latest.TestSize())
	assert.Equal(t, common.BackendHistogram, latest.Backend)
	require.NotNil(t, latest.Drift)
	assert.Len(t, latest.Drift.Methods, 3)

	prom, err := os.ReadFile(s.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `images_embedded_total{split="train"} 10`)
	assert.Contains(t, string(prom), `images_embedded_total{split="test"} 6`)
	assert.Contains(t, string(prom), `feature_drift_max{method="kolmogorov_smirnov"}`)
}

func TestRun_SameSeedSameReport(t *testing.T) {
	root := catDogRoot(t)

	run := func() string {
		s := testSettings(t, root)
		res, err := New(Options{Settings: s, Console: &bytes.Buffer{}}).Run(context.Background())
		require.NoError(t, err)
		data, err := os.ReadFile(s.ReportPath)
		require.NoError(t, err)
		assert.NotEmpty(t, res.Model.SupportVectors)
		return string(data)
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestRun_MissingRoot(t *testing.T) {
	s := testSettings(t, filepath.Join(t.TempDir(), "absent"))

	_, err := New(Options{Settings: s, Console: &bytes.Buffer{}}).Run(context.Background())
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageLoad, stageErr.Stage)

	var missing *common.MissingDirectoryError
	assert.True(t, errors.As(err, &missing))
	assert.True(t, strings.HasPrefix(err.Error(), "load: "))
}

func TestRun_SingleClassFailsAtFit(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 3; i++ {
		writeImage(t, filepath.Join(root, "train", "cat", string(rune('a'+i))+".png"), color.NRGBA{R: 200, A: 255})
	}
	writeImage(t, filepath.Join(root, "test", "cat", "x.png"), color.NRGBA{R: 200, A: 255})

	s := testSettings(t, root)
	_, err := New(Options{Settings: s, Console: &bytes.Buffer{}}).Run(context.Background())

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageFit, stageErr.Stage)

	var insufficient *common.InsufficientClassesError
	assert.True(t, errors.As(err, &insufficient))

	_, statErr := os.Stat(s.ClassifierPath)
	assert.True(t, os.IsNotExist(statErr))
}

type closeTracker struct {
	*extractor.HistogramBackend
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return nil
}

func TestRun_ReleasesBackendBeforeFit(t *testing.T) {
	s := testSettings(t, catDogRoot(t))
	tracker := &closeTracker{HistogramBackend: extractor.NewHistogramBackend(s.ImageSize)}

	o := New(Options{
		Settings: s,
		Console:  &bytes.Buffer{},
		Backend: func(context.Context) (extractor.Backend, error) {
			return tracker, nil
		},
	})
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tracker.closed, 1)
}

func TestRun_Cancelled(t *testing.T) {
	s := testSettings(t, catDogRoot(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{Settings: s, Console: &bytes.Buffer{}}).Run(ctx)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageExtractTrain, stageErr.Stage)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DriftCheckDisabled(t *testing.T) {
	s := testSettings(t, catDogRoot(t))
	s.DriftCheck = false

	res, err := New(Options{Settings: s, Console: &bytes.Buffer{}}).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Drift)
}

func TestNewBackend_Unknown(t *testing.T) {
	s := cfg.Default()
	s.Backend = "tensorflow"
	_, err := NewBackend(context.Background(), s, extractor.DeviceCPU, nil)
	assert.Error(t, err)
}

func TestMinutesSeconds(t *testing.T) {
	assert.Equal(t, "0m 0s", minutesSeconds(200*time.Millisecond))
	assert.Equal(t, "1m 5s", minutesSeconds(65*time.Second))
	assert.Equal(t, "12m 0s", minutesSeconds(12*time.Minute))
}
