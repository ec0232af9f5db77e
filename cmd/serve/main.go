package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cnnsvm/internal/cfg"
	"cnnsvm/internal/common"
	"cnnsvm/internal/extractor"
	"cnnsvm/internal/metrics"
	"cnnsvm/internal/pipeline"
	"cnnsvm/internal/serve"
	"cnnsvm/internal/storage"
	"cnnsvm/internal/svm"
	"cnnsvm/internal/transforms"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errNoClassNames = errors.New("no class names: pass -classes or point -history at a run history")

func main() {
	var (
		envFile     = flag.String("env", ".env", "Optional .env file loaded before the configuration")
		classifier  = flag.String("classifier", "", "Trained classifier to serve")
		classes     = flag.String("classes", "", "Comma-separated class names in label order (default: latest run in history)")
		historyPath = flag.String("history", "", "Directory of the run history database")
		port        = flag.Int("port", 0, "HTTP port")
		device      = flag.String("device", "", "Execution device: auto, cuda, cpu")
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
	if *classifier != "" {
		config.ClassifierPath = *classifier
	}
	if *historyPath != "" {
		config.HistoryPath = *historyPath
	}
	if *port != 0 {
		config.ServePort = *port
	}
	if *device != "" {
		config.Device = *device
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := svm.Load(config.ClassifierPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", config.ClassifierPath).Msg("Failed to load classifier")
	}

	names, err := classNames(*classes, config.HistoryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve class names")
	}

	transform, err := transforms.Build(config.TestTransforms)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build evaluation transforms")
	}

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

	// Requests are embedded one at a time.
	config.BatchSize = 1
	backend, err := pipeline.NewBackend(ctx, config, dev, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open feature extractor")
	}

	m := metrics.New()
	wrapper := metrics.NewWrapper(m)
	ext := extractor.New(backend, wrapper)
	defer ext.Close()

	srv, err := serve.New(serve.Config{
		Port:       config.ServePort,
		Model:      model,
		Extractor:  ext,
		Transform:  transform,
		ClassNames: names,
		Metrics:    wrapper,
		Gatherer:   m.Gatherer(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	sv := model.NumSupportVectors()
	log.Info().
		Strs("classes", names).
		Int("support_vectors", sv[0]+sv[1]).
		Str("device", string(dev)).
		Int("port", config.ServePort).
		Msg("Classifier loaded")

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

// classNames takes the explicit list when given, otherwise the class names
// recorded by the most recent training run.
func classNames(flagValue, historyPath string) ([]string, error) {
	if flagValue != "" {
		var names []string
		for _, n := range strings.Split(flagValue, ",") {
			names = append(names, strings.TrimSpace(n))
		}
		return names, nil
	}
	if historyPath == "" {
		return nil, errNoClassNames
	}

	store, err := storage.Open(historyPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	latest, err := store.Latest()
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errNoClassNames
	}
	return latest.ClassNames, nil
}
