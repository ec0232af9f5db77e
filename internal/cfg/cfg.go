package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cnnsvm/internal/common"
	"cnnsvm/internal/transforms"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataRoot   string
	TrainSplit string
	TestSplit  string
	BatchSize  int
	Workers    int
	Shuffle    bool
	Seed       int64

	TrainTransforms []transforms.StepConfig
	TestTransforms  []transforms.StepConfig

	Backend         string
	ModelPath       string
	WeightsID       string
	WeightsURL      string
	WeightsCacheDir string
	DownloadTimeout time.Duration
	ORTLibPath      string
	InputName       string
	OutputName      string
	FeatureDim      int
	ImageSize       int
	Device          string

	SVMC         float64
	SVMGamma     string
	SVMTolerance float64
	SVMMaxIter   int
	SVMCacheRows int

	DriftCheck     bool
	DriftThreshold float64

	ClassifierPath string
	ReportPath     string
	HistoryPath    string
	MetricsFile    string
	LogLevel       string
	ServePort      int
}

type ConfigFile struct {
	Data struct {
		Root       string `yaml:"root"`
		TrainSplit string `yaml:"trainSplit"`
		TestSplit  string `yaml:"testSplit"`
		BatchSize  int    `yaml:"batchSize"`
		Workers    int    `yaml:"workers"`
		Shuffle    *bool  `yaml:"shuffle"`
		Seed       int64  `yaml:"seed"`
	} `yaml:"data"`

	Transforms struct {
		Train []transforms.StepConfig `yaml:"train"`
		Test  []transforms.StepConfig `yaml:"test"`
	} `yaml:"transforms"`

	Extractor struct {
		Backend         string `yaml:"backend"`
		ModelPath       string `yaml:"modelPath"`
		WeightsID       string `yaml:"weightsID"`
		WeightsURL      string `yaml:"weightsURL"`
		CacheDir        string `yaml:"cacheDir"`
		DownloadTimeout string `yaml:"downloadTimeout"`
		ORTLibPath      string `yaml:"ortLibPath"`
		InputName       string `yaml:"inputName"`
		OutputName      string `yaml:"outputName"`
		FeatureDim      int    `yaml:"featureDim"`
		ImageSize       int    `yaml:"imageSize"`
		Device          string `yaml:"device"`
	} `yaml:"extractor"`

	Classifier struct {
		C         float64 `yaml:"c"`
		Gamma     string  `yaml:"gamma"`
		Tolerance float64 `yaml:"tolerance"`
		MaxIter   int     `yaml:"maxIter"`
		CacheRows int     `yaml:"cacheRows"`
	} `yaml:"classifier"`

	Drift struct {
		Enabled   *bool   `yaml:"enabled"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"drift"`

	Output struct {
		ClassifierPath string `yaml:"classifierPath"`
		ReportPath     string `yaml:"reportPath"`
		HistoryPath    string `yaml:"historyPath"`
		MetricsFile    string `yaml:"metricsFile"`
	} `yaml:"output"`

	System struct {
		LogLevel  string `yaml:"logLevel"`
		ServePort int    `yaml:"servePort"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	downloadTimeout, err := time.ParseDuration(config.Extractor.DownloadTimeout)
	if err != nil {
		downloadTimeout = 10 * time.Minute
	}

	shuffle := true
	if config.Data.Shuffle != nil {
		shuffle = *config.Data.Shuffle
	}

	driftCheck := true
	if config.Drift.Enabled != nil {
		driftCheck = *config.Drift.Enabled
	}

	imageSize := getIntFromEnvOrConfig(common.EnvImageSize, config.Extractor.ImageSize, common.DefaultImageSize)

	settings := Settings{
		DataRoot:        getEnvOrDefault(common.EnvDataRoot, orString(config.Data.Root, common.DefaultDataRoot)),
		TrainSplit:      getEnvOrDefault(common.EnvTrainSplit, orString(config.Data.TrainSplit, common.TrainSplit)),
		TestSplit:       getEnvOrDefault(common.EnvTestSplit, orString(config.Data.TestSplit, common.TestSplit)),
		BatchSize:       getIntFromEnvOrConfig(common.EnvBatchSize, config.Data.BatchSize, common.DefaultBatchSize),
		Workers:         getIntFromEnvOrConfig(common.EnvWorkers, config.Data.Workers, common.DefaultWorkers),
		Shuffle:         getBoolFromEnvOrConfig(common.EnvShuffle, shuffle),
		Seed:            getInt64FromEnvOrConfig(common.EnvSeed, config.Data.Seed),
		TrainTransforms: config.Transforms.Train,
		TestTransforms:  config.Transforms.Test,
		Backend:         getEnvOrDefault(common.EnvBackend, orString(config.Extractor.Backend, common.DefaultBackend)),
		ModelPath:       getEnvOrDefault(common.EnvModelPath, config.Extractor.ModelPath),
		WeightsID:       getEnvOrDefault(common.EnvWeightsID, orString(config.Extractor.WeightsID, common.DefaultWeightsID)),
		WeightsURL:      getEnvOrDefault(common.EnvWeightsURL, config.Extractor.WeightsURL),
		WeightsCacheDir: getEnvOrDefault(common.EnvWeightsCacheDir, orString(config.Extractor.CacheDir, common.DefaultWeightsCacheDir)),
		DownloadTimeout: getDurationOrDefault(common.EnvDownloadTimeout, downloadTimeout),
		ORTLibPath:      getEnvOrDefault(common.EnvORTLibPath, config.Extractor.ORTLibPath),
		InputName:       getEnvOrDefault(common.EnvInputName, orString(config.Extractor.InputName, common.DefaultInputName)),
		OutputName:      getEnvOrDefault(common.EnvOutputName, orString(config.Extractor.OutputName, common.DefaultOutputName)),
		FeatureDim:      getIntFromEnvOrConfig(common.EnvFeatureDim, config.Extractor.FeatureDim, common.DefaultFeatureDim),
		ImageSize:       imageSize,
		Device:          getEnvOrDefault(common.EnvDevice, orString(config.Extractor.Device, common.DefaultDevice)),
		SVMC:            getFloatFromEnvOrConfig(common.EnvSVMC, config.Classifier.C, common.DefaultSVMC),
		SVMGamma:        getEnvOrDefault(common.EnvSVMGamma, orString(config.Classifier.Gamma, common.DefaultSVMGamma)),
		SVMTolerance:    getFloatFromEnvOrConfig(common.EnvSVMTolerance, config.Classifier.Tolerance, common.DefaultSVMTolerance),
		SVMMaxIter:      getIntFromEnvOrConfig(common.EnvSVMMaxIter, config.Classifier.MaxIter, 0),
		SVMCacheRows:    getIntFromEnvOrConfig(common.EnvSVMCacheRows, config.Classifier.CacheRows, common.DefaultSVMCacheRows),
		DriftCheck:      getBoolFromEnvOrConfig(common.EnvDriftCheck, driftCheck),
		DriftThreshold:  getFloatFromEnvOrConfig(common.EnvDriftThreshold, config.Drift.Threshold, common.DefaultDriftThreshold),
		ClassifierPath:  getEnvOrDefault(common.EnvClassifierPath, orString(config.Output.ClassifierPath, common.DefaultClassifierPath)),
		ReportPath:      getEnvOrDefault(common.EnvReportPath, orString(config.Output.ReportPath, common.DefaultReportPath)),
		HistoryPath:     getEnvOrDefault(common.EnvHistoryPath, config.Output.HistoryPath),
		MetricsFile:     getEnvOrDefault(common.EnvMetricsFile, config.Output.MetricsFile),
		LogLevel:        getEnvOrDefault(common.EnvLogLevel, orString(config.System.LogLevel, common.DefaultLogLevel)),
		ServePort:       getIntFromEnvOrConfig(common.EnvServePort, config.System.ServePort, common.DefaultServePort),
	}
	settings.applyTransformDefaults()

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		DataRoot:        getEnvOrDefault(common.EnvDataRoot, common.DefaultDataRoot),
		TrainSplit:      getEnvOrDefault(common.EnvTrainSplit, common.TrainSplit),
		TestSplit:       getEnvOrDefault(common.EnvTestSplit, common.TestSplit),
		BatchSize:       getIntOrDefault(common.EnvBatchSize, common.DefaultBatchSize),
		Workers:         getIntOrDefault(common.EnvWorkers, common.DefaultWorkers),
		Shuffle:         getBoolOrDefault(common.EnvShuffle, true),
		Seed:            getInt64OrDefault(common.EnvSeed, 0),
		Backend:         getEnvOrDefault(common.EnvBackend, common.DefaultBackend),
		ModelPath:       os.Getenv(common.EnvModelPath), // optional, resolved from WeightsID when empty
		WeightsID:       getEnvOrDefault(common.EnvWeightsID, common.DefaultWeightsID),
		WeightsURL:      os.Getenv(common.EnvWeightsURL),
		WeightsCacheDir: getEnvOrDefault(common.EnvWeightsCacheDir, common.DefaultWeightsCacheDir),
		DownloadTimeout: getDurationOrDefault(common.EnvDownloadTimeout, 10*time.Minute),
		ORTLibPath:      os.Getenv(common.EnvORTLibPath),
		InputName:       getEnvOrDefault(common.EnvInputName, common.DefaultInputName),
		OutputName:      getEnvOrDefault(common.EnvOutputName, common.DefaultOutputName),
		FeatureDim:      getIntOrDefault(common.EnvFeatureDim, common.DefaultFeatureDim),
		ImageSize:       getIntOrDefault(common.EnvImageSize, common.DefaultImageSize),
		Device:          getEnvOrDefault(common.EnvDevice, common.DefaultDevice),
		SVMC:            getFloatOrDefault(common.EnvSVMC, common.DefaultSVMC),
		SVMGamma:        getEnvOrDefault(common.EnvSVMGamma, common.DefaultSVMGamma),
		SVMTolerance:    getFloatOrDefault(common.EnvSVMTolerance, common.DefaultSVMTolerance),
		SVMMaxIter:      getIntOrDefault(common.EnvSVMMaxIter, 0),
		SVMCacheRows:    getIntOrDefault(common.EnvSVMCacheRows, common.DefaultSVMCacheRows),
		DriftCheck:      getBoolOrDefault(common.EnvDriftCheck, true),
		DriftThreshold:  getFloatOrDefault(common.EnvDriftThreshold, common.DefaultDriftThreshold),
		ClassifierPath:  getEnvOrDefault(common.EnvClassifierPath, common.DefaultClassifierPath),
		ReportPath:      getEnvOrDefault(common.EnvReportPath, common.DefaultReportPath),
		HistoryPath:     os.Getenv(common.EnvHistoryPath),
		MetricsFile:     os.Getenv(common.EnvMetricsFile),
		LogLevel:        getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		ServePort:       getIntOrDefault(common.EnvServePort, common.DefaultServePort),
	}
	settings.applyTransformDefaults()

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// Default returns validated settings built from defaults only.
func Default() Settings {
	s := Settings{
		DataRoot:        common.DefaultDataRoot,
		TrainSplit:      common.TrainSplit,
		TestSplit:       common.TestSplit,
		BatchSize:       common.DefaultBatchSize,
		Workers:         common.DefaultWorkers,
		Shuffle:         true,
		Backend:         common.DefaultBackend,
		WeightsID:       common.DefaultWeightsID,
		WeightsCacheDir: common.DefaultWeightsCacheDir,
		DownloadTimeout: 10 * time.Minute,
		InputName:       common.DefaultInputName,
		OutputName:      common.DefaultOutputName,
		FeatureDim:      common.DefaultFeatureDim,
		ImageSize:       common.DefaultImageSize,
		Device:          common.DefaultDevice,
		SVMC:            common.DefaultSVMC,
		SVMGamma:        common.DefaultSVMGamma,
		SVMTolerance:    common.DefaultSVMTolerance,
		SVMCacheRows:    common.DefaultSVMCacheRows,
		DriftCheck:      true,
		DriftThreshold:  common.DefaultDriftThreshold,
		ClassifierPath:  common.DefaultClassifierPath,
		ReportPath:      common.DefaultReportPath,
		LogLevel:        common.DefaultLogLevel,
		ServePort:       common.DefaultServePort,
	}
	s.applyTransformDefaults()
	return s
}

// applyTransformDefaults fills in the standard augmentation pipelines when
// none were configured: random crop + flip for training, resize + centre crop
// for evaluation.
func (s *Settings) applyTransformDefaults() {
	if len(s.TrainTransforms) == 0 {
		s.TrainTransforms = transforms.DefaultTrain(s.ImageSize)
	}
	if len(s.TestTransforms) == 0 {
		resize := s.ImageSize * common.DefaultResizeSize / common.DefaultImageSize
		s.TestTransforms = transforms.DefaultTest(resize, s.ImageSize)
	}
}

// WithTransformDefaults returns s with empty transform lists replaced by the
// standard pipelines for s.ImageSize.
func WithTransformDefaults(s Settings) Settings {
	s.applyTransformDefaults()
	return s
}

// Validate checks s, e.g. after command-line overrides.
func (s *Settings) Validate() error {
	return validateSettings(s)
}

// Gamma returns the RBF kernel coefficient; zero selects automatic scaling.
func (s *Settings) Gamma() (float64, error) {
	switch strings.ToLower(strings.TrimSpace(s.SVMGamma)) {
	case "", "scale", "auto":
		return 0, nil
	}
	g, err := strconv.ParseFloat(s.SVMGamma, 64)
	if err != nil {
		return 0, fmt.Errorf("gamma must be \"scale\" or a positive number, got %q", s.SVMGamma)
	}
	if g <= 0 {
		return 0, fmt.Errorf("gamma must be positive, got %f", g)
	}
	return g, nil
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.DataRoot == "" {
		return fmt.Errorf("data root cannot be empty")
	}
	if settings.TrainSplit == "" || settings.TestSplit == "" {
		return fmt.Errorf("split names cannot be empty")
	}
	if settings.TrainSplit == settings.TestSplit {
		return fmt.Errorf("train and test splits must differ, both are %q", settings.TrainSplit)
	}

	if settings.BatchSize < common.MinBatchSize || settings.BatchSize > common.MaxBatchSize {
		return fmt.Errorf("batch size must be between %d and %d, got %d", common.MinBatchSize, common.MaxBatchSize, settings.BatchSize)
	}
	if settings.Workers <= 0 || settings.Workers > common.MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", common.MaxWorkers, settings.Workers)
	}
	if settings.ImageSize < common.MinImageSize || settings.ImageSize > common.MaxImageSize {
		return fmt.Errorf("image size must be between %d and %d, got %d", common.MinImageSize, common.MaxImageSize, settings.ImageSize)
	}
	if settings.FeatureDim <= 0 || settings.FeatureDim > common.MaxFeatureDim {
		return fmt.Errorf("feature dimension must be between 1 and %d, got %d", common.MaxFeatureDim, settings.FeatureDim)
	}

	switch settings.Backend {
	case common.BackendONNX:
		if settings.ModelPath == "" && settings.WeightsID == "" {
			return fmt.Errorf("onnx backend needs a model path or a weights id")
		}
		if settings.InputName == "" || settings.OutputName == "" {
			return fmt.Errorf("onnx backend needs input and output tensor names")
		}
	case common.BackendHistogram:
	default:
		return fmt.Errorf("unknown extractor backend %q", settings.Backend)
	}

	switch settings.Device {
	case "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("device must be one of auto, cuda, cpu, got %q", settings.Device)
	}

	if settings.SVMC <= 0 {
		return fmt.Errorf("SVM C must be positive, got %f", settings.SVMC)
	}
	if _, err := settings.Gamma(); err != nil {
		return err
	}
	if settings.SVMTolerance <= 0 || settings.SVMTolerance > 1 {
		return fmt.Errorf("SVM tolerance must be in (0, 1], got %g", settings.SVMTolerance)
	}
	if settings.SVMMaxIter < 0 {
		return fmt.Errorf("SVM max iterations cannot be negative, got %d", settings.SVMMaxIter)
	}
	if settings.SVMCacheRows <= 0 {
		return fmt.Errorf("SVM cache rows must be positive, got %d", settings.SVMCacheRows)
	}

	if settings.DriftThreshold <= 0 {
		return fmt.Errorf("drift threshold must be positive, got %g", settings.DriftThreshold)
	}

	if settings.ClassifierPath == "" || settings.ReportPath == "" {
		return fmt.Errorf("classifier and report paths are required")
	}
	if settings.ServePort < common.MinServePort || settings.ServePort > common.MaxServePort {
		return fmt.Errorf("serve port must be between %d and %d, got %d", common.MinServePort, common.MaxServePort, settings.ServePort)
	}

	if _, err := transforms.Build(settings.TrainTransforms); err != nil {
		return fmt.Errorf("train transforms: %w", err)
	}
	if _, err := transforms.Build(settings.TestTransforms); err != nil {
		return fmt.Errorf("test transforms: %w", err)
	}

	return nil
}
