// Package pipeline runs the four stages of an experiment in order: load the
// labeled images, embed them with the frozen network, fit and evaluate the
// classifier, then report and persist the results.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cnnsvm/internal/cfg"
	"cnnsvm/internal/common"
	"cnnsvm/internal/dataset"
	"cnnsvm/internal/drift"
	"cnnsvm/internal/extractor"
	"cnnsvm/internal/metrics"
	"cnnsvm/internal/report"
	"cnnsvm/internal/storage"
	"cnnsvm/internal/svm"
	"cnnsvm/internal/transforms"
	"cnnsvm/internal/weights"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Stage names used in StageError and metrics.
const (
	StageLoad           = "load"
	StageBackend        = "backend"
	StageExtractTrain   = "extract_train"
	StageExtractTest    = "extract_test"
	StageDrift          = "drift"
	StageRelease        = "release"
	StageFit            = "fit"
	StagePredict        = "predict"
	StageReport         = "report"
	StageSaveClassifier = "save_classifier"
	StageHistory        = "history"
	StageMetrics        = "metrics"
)

// StageError names the stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// MetricsInterface defines metrics methods needed by the orchestrator
type MetricsInterface interface {
	extractor.MetricsInterface
	FitDurationSet(time.Duration)
	SupportVectorsSet(int)
	AccuracySet(float64)
	FeatureDriftSet(method string, v float64)
	RunsInc()
	StageErrorInc(stage string)
	WriteTextfile(path string) error
}

// BackendFactory opens the feature network for one run.
type BackendFactory func(ctx context.Context) (extractor.Backend, error)

// Options wires an Orchestrator. Only Settings is required.
type Options struct {
	Settings cfg.Settings
	// Device is the execution device resolved at startup; empty means CPU.
	Device extractor.Device
	// Backend overrides the backend built from Settings.
	Backend BackendFactory
	Weights *weights.Provider
	// Store records the run when set.
	Store *storage.Store
	// Metrics defaults to a private registry per orchestrator.
	Metrics MetricsInterface
	// Console receives the printed report; defaults to stdout.
	Console io.Writer
}

// Orchestrator carries everything one run needs. It holds no package-level
// state, so several orchestrators can run in one process.
type Orchestrator struct {
	settings cfg.Settings
	device   extractor.Device
	backend  BackendFactory
	weights  *weights.Provider
	store    *storage.Store
	metrics  MetricsInterface
	console  io.Writer
}

// Result is everything a successful run produced.
type Result struct {
	ClassNames  []string
	Sizes       map[string]int
	Train       *extractor.FeatureDataset
	Test        *extractor.FeatureDataset
	Model       *svm.Model
	Predictions []int
	Report      *report.Report
	Device      extractor.Device
	// Drift is nil when the drift check is disabled.
	Drift *drift.Result

	ExtractDuration time.Duration
	FitDuration     time.Duration
	// FitEvalDuration covers fitting, prediction and report building.
	FitEvalDuration time.Duration
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		settings: opts.Settings,
		device:   opts.Device,
		backend:  opts.Backend,
		weights:  opts.Weights,
		store:    opts.Store,
		metrics:  opts.Metrics,
		console:  opts.Console,
	}
	if o.device == "" {
		o.device = extractor.DeviceCPU
	}
	if o.metrics == nil {
		o.metrics = metrics.NewWrapper(metrics.NewWithRegistry(prometheus.NewRegistry()))
	}
	if o.console == nil {
		o.console = os.Stdout
	}
	if o.backend == nil {
		o.backend = func(ctx context.Context) (extractor.Backend, error) {
			return NewBackend(ctx, o.settings, o.device, o.weights)
		}
	}
	return o
}

func (o *Orchestrator) fail(stage string, err error) error {
	o.metrics.StageErrorInc(stage)
	log.Error().Err(err).Str("stage", stage).Msg("Pipeline stage failed")
	return &StageError{Stage: stage, Err: err}
}

// Run executes one experiment end to end. The first failure aborts the run;
// artifacts already written are left in place.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	s := o.settings
	started := time.Now()

	// Stage 1: dataset
	ds, err := o.loadDataset()
	if err != nil {
		return nil, o.fail(StageLoad, err)
	}
	res := &Result{ClassNames: ds.ClassNames, Sizes: ds.Sizes}

	// Stage 2: features
	backend, err := o.backend(ctx)
	if err != nil {
		return nil, o.fail(StageBackend, err)
	}
	ext := extractor.New(backend, o.metrics)
	defer ext.Close()
	res.Device = ext.Device()

	log.Info().
		Str("device", string(res.Device)).
		Int("feature_dim", ext.Dim()).
		Msg("Feature extractor ready")

	extractStart := time.Now()
	res.Train, err = ext.ExtractSplit(ctx, s.TrainSplit, ds.Train.Batches(o.batchOptions(0)))
	if err != nil {
		return nil, o.fail(StageExtractTrain, err)
	}
	res.Test, err = ext.ExtractSplit(ctx, s.TestSplit, ds.Test.Batches(o.batchOptions(1)))
	if err != nil {
		return nil, o.fail(StageExtractTest, err)
	}
	res.ExtractDuration = time.Since(extractStart)

	if err := ext.Close(); err != nil {
		return nil, o.fail(StageRelease, err)
	}

	if s.DriftCheck {
		res.Drift, err = o.checkDrift(res.Train, res.Test)
		if err != nil {
			return nil, o.fail(StageDrift, err)
		}
	}

	// Stage 3: classifier
	fitStart := time.Now()
	params, err := o.svmParams()
	if err != nil {
		return nil, o.fail(StageFit, err)
	}
	log.Info().Int("samples", res.Train.Len()).Msg("Fitting classifier")
	res.Model, err = svm.Fit(res.Train.Matrix(), res.Train.Labels, params)
	if err != nil {
		return nil, o.fail(StageFit, err)
	}
	res.FitDuration = time.Since(fitStart)
	log.Info().
		Int("support_vectors", len(res.Model.SupportVectors)).
		Float64("gamma", res.Model.Gamma).
		Bool("converged", res.Model.Converged).
		Msg("Classifier fitted")

	res.Predictions, err = res.Model.Predict(res.Test.Matrix())
	if err != nil {
		return nil, o.fail(StagePredict, err)
	}
	log.Info().Int("predictions", len(res.Predictions)).Msg("Evaluation split predicted")

	// Stage 4: report
	res.Report, err = report.Build(res.Test.Labels, res.Predictions, res.ClassNames)
	if err != nil {
		return nil, o.fail(StageReport, err)
	}
	res.FitEvalDuration = time.Since(fitStart)
	log.Info().Str("elapsed", minutesSeconds(res.FitEvalDuration)).Msg("Fit and evaluate complete")

	if err := res.Report.Print(o.console); err != nil {
		return nil, o.fail(StageReport, err)
	}
	if err := res.Report.WriteFile(s.ReportPath); err != nil {
		return nil, o.fail(StageReport, err)
	}
	log.Info().Str("path", s.ReportPath).Float64("accuracy", res.Report.Accuracy).Msg("Report written")

	if err := res.Model.Save(s.ClassifierPath); err != nil {
		return nil, o.fail(StageSaveClassifier, err)
	}
	log.Info().Str("path", s.ClassifierPath).Msg("Classifier saved")

	o.metrics.FitDurationSet(res.FitDuration)
	o.metrics.SupportVectorsSet(len(res.Model.SupportVectors))
	o.metrics.AccuracySet(res.Report.Accuracy)
	o.metrics.RunsInc()

	if o.store != nil {
		if err := o.store.SaveRun(o.runRecord(started, ext.Dim(), res)); err != nil {
			return nil, o.fail(StageHistory, err)
		}
	}
	if s.MetricsFile != "" {
		if err := o.metrics.WriteTextfile(s.MetricsFile); err != nil {
			return nil, o.fail(StageMetrics, err)
		}
	}

	return res, nil
}

func (o *Orchestrator) loadDataset() (*dataset.Dataset, error) {
	train, err := transforms.Build(o.settings.TrainTransforms)
	if err != nil {
		return nil, fmt.Errorf("train transforms: %w", err)
	}
	test, err := transforms.Build(o.settings.TestTransforms)
	if err != nil {
		return nil, fmt.Errorf("test transforms: %w", err)
	}

	return dataset.Load(dataset.Options{
		Root:            o.settings.DataRoot,
		TrainSplit:      o.settings.TrainSplit,
		TestSplit:       o.settings.TestSplit,
		TrainTransforms: train,
		TestTransforms:  test,
	})
}

func (o *Orchestrator) batchOptions(pass int) dataset.BatchOptions {
	return dataset.BatchOptions{
		BatchSize: o.settings.BatchSize,
		Workers:   o.settings.Workers,
		Shuffle:   o.settings.Shuffle,
		Seed:      o.settings.Seed,
		Pass:      pass,
	}
}

// checkDrift compares the evaluation embeddings with the training ones. Drift
// is reported, never fatal.
func (o *Orchestrator) checkDrift(train, test *extractor.FeatureDataset) (*drift.Result, error) {
	res, err := drift.Compare(train.Matrix(), test.Matrix(), drift.Config{Threshold: o.settings.DriftThreshold})
	if err != nil {
		return nil, err
	}

	for _, m := range res.Methods {
		o.metrics.FeatureDriftSet(string(m.Method), m.Max)
		log.Debug().
			Str("method", string(m.Method)).
			Float64("mean", m.Mean).
			Float64("max", m.Max).
			Int("max_dim", m.MaxDim).
			Int("drifted", m.Drifted).
			Msg("Feature drift")
	}
	for _, a := range res.Alerts {
		log.Warn().
			Int("dim", a.Dim).
			Str("method", string(a.Method)).
			Float64("score", a.Score).
			Str("severity", a.Severity).
			Msg("Evaluation features drifted from training features")
	}
	log.Info().Int("dims", res.Dims).Bool("drifted", res.Drifted()).Msg("Drift check complete")
	return res, nil
}

func (o *Orchestrator) svmParams() (svm.Params, error) {
	gamma, err := o.settings.Gamma()
	if err != nil {
		return svm.Params{}, err
	}
	return svm.Params{
		C:         o.settings.SVMC,
		Gamma:     gamma,
		Tolerance: o.settings.SVMTolerance,
		MaxIter:   o.settings.SVMMaxIter,
		CacheRows: o.settings.SVMCacheRows,
	}, nil
}

func (o *Orchestrator) runRecord(started time.Time, dim int, res *Result) *storage.RunRecord {
	return &storage.RunRecord{
		StartedAt:       started,
		FinishedAt:      time.Now(),
		DataRoot:        o.settings.DataRoot,
		ClassNames:      res.ClassNames,
		Sizes:           res.Sizes,
		TrainSplit:      o.settings.TrainSplit,
		TestSplit:       o.settings.TestSplit,
		Backend:         o.settings.Backend,
		Device:          string(res.Device),
		FeatureDim:      dim,
		C:               res.Model.C,
		Gamma:           res.Model.Gamma,
		SupportVectors:  len(res.Model.SupportVectors),
		Accuracy:        res.Report.Accuracy,
		Report:          res.Report,
		Drift:           res.Drift,
		ClassifierPath:  o.settings.ClassifierPath,
		ReportPath:      o.settings.ReportPath,
		ExtractDuration: res.ExtractDuration,
		FitDuration:     res.FitDuration,
	}
}

// NewBackend opens the backend named in s. The ONNX backend resolves its
// weights through provider, or through one built from s when provider is nil.
func NewBackend(ctx context.Context, s cfg.Settings, device extractor.Device, provider *weights.Provider) (extractor.Backend, error) {
	switch s.Backend {
	case common.BackendHistogram:
		return extractor.NewHistogramBackend(s.ImageSize), nil
	case common.BackendONNX:
		if provider == nil {
			provider = weights.NewProvider(weights.Config{
				ModelPath: s.ModelPath,
				BaseURL:   s.WeightsURL,
				CacheDir:  s.WeightsCacheDir,
				Timeout:   s.DownloadTimeout,
			})
		}
		path, err := provider.Resolve(ctx, s.WeightsID)
		if err != nil {
			return nil, err
		}
		return extractor.NewONNXBackend(extractor.ONNXConfig{
			ModelPath:  path,
			InputName:  s.InputName,
			OutputName: s.OutputName,
			BatchSize:  s.BatchSize,
			ImageSize:  s.ImageSize,
			FeatureDim: s.FeatureDim,
			Device:     device,
		})
	default:
		return nil, fmt.Errorf("unknown extractor backend %q", s.Backend)
	}
}

func minutesSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
