package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cnnsvm/internal/cfg"
	"cnnsvm/internal/common"
	"cnnsvm/internal/extractor"
	"cnnsvm/internal/pipeline"
	"cnnsvm/internal/storage"
	"cnnsvm/internal/transforms"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		envFile     = flag.String("env", ".env", "Optional .env file loaded before the configuration")
		dataRoot    = flag.String("data", "", "Dataset root containing the train and test splits")
		backend     = flag.String("backend", "", "Feature extractor backend: onnx, histogram")
		device      = flag.String("device", "", "Execution device: auto, cuda, cpu")
		modelPath   = flag.String("model", "", "Path to the exported feature network (overrides weights id)")
		weightsID   = flag.String("weights", "", "Pre-trained weights identifier")
		batchSize   = flag.Int("batch-size", 0, "Images per batch")
		workers     = flag.Int("workers", 0, "Image decoding workers")
		seed        = flag.Int64("seed", 0, "Seed for shuffling and augmentation (0 = random)")
		classifier  = flag.String("classifier", "", "Output path for the trained classifier")
		reportPath  = flag.String("report", "", "Output path for the classification report")
		historyPath = flag.String("history", "", "Directory of the run history database")
		metricsFile = flag.String("metrics-file", "", "Write Prometheus metrics to this textfile")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", *envFile).Msg("Failed to load env file")
	}

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Override config with command line arguments
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["data"] {
		config.DataRoot = *dataRoot
	}
	if set["backend"] {
		config.Backend = *backend
	}
	if set["device"] {
		config.Device = *device
	}
	if set["model"] {
		config.ModelPath = *modelPath
	}
	if set["weights"] {
		config.WeightsID = *weightsID
	}
	if set["batch-size"] {
		config.BatchSize = *batchSize
	}
	if set["workers"] {
		config.Workers = *workers
	}
	if set["seed"] {
		config.Seed = *seed
	}
	if set["classifier"] {
		config.ClassifierPath = *classifier
	}
	if set["report"] {
		config.ReportPath = *reportPath
	}
	if set["history"] {
		config.HistoryPath = *historyPath
	}
	if set["metrics-file"] {
		config.MetricsFile = *metricsFile
	}
	if set["log-level"] {
		config.LogLevel = *logLevel
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("data", config.DataRoot).
		Str("backend", config.Backend).
		Int("batch_size", config.BatchSize).
		Int64("seed", config.Seed).
		Strs("train_transforms", stepNames(config.TrainTransforms)).
		Strs("test_transforms", stepNames(config.TestTransforms)).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev := extractor.DeviceCPU
	if config.Backend == common.BackendONNX {
		if err := extractor.InitRuntime(config.ORTLibPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize ONNX Runtime")
		}
		defer extractor.ShutdownRuntime()

		dev, err = extractor.ResolveDevice(config.Device)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve device")
		}
	}

	var store *storage.Store
	if config.HistoryPath != "" {
		store, err = storage.New(config.HistoryPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open run history")
		}
		defer store.Close()
	}

	orchestrator := pipeline.New(pipeline.Options{
		Settings: config,
		Device:   dev,
		Store:    store,
	})

	res, err := orchestrator.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Pipeline failed")
	}

	log.Info().
		Str("classifier", config.ClassifierPath).
		Str("report", config.ReportPath).
		Str("accuracy", fmt.Sprintf("%.4f", res.Report.Accuracy)).
		Msg("Run completed successfully")
}

func stepNames(steps []transforms.StepConfig) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
