package extractor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// Device is the execution target of a backend.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// InitRuntime loads the ONNX Runtime shared library and initialises its
// environment. libPath may be empty to use the library's default lookup.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime tears down the ONNX Runtime environment.
func ShutdownRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		log.Warn().Err(err).Msg("Failed to destroy ONNX environment")
	}
}

// ResolveDevice picks the execution device once at startup. "auto" probes
// the CUDA execution provider and falls back to CPU; "cuda" fails when CUDA
// is unavailable. InitRuntime must have been called.
func ResolveDevice(preference string) (Device, error) {
	switch preference {
	case "cpu":
		return DeviceCPU, nil
	case "cuda", "auto", "":
	default:
		return "", fmt.Errorf("unknown device %q", preference)
	}

	err := probeCUDA()
	if err == nil {
		log.Info().Str("device", string(DeviceCUDA)).Msg("CUDA execution provider available")
		return DeviceCUDA, nil
	}
	if preference == "cuda" {
		return "", fmt.Errorf("CUDA requested but unavailable: %w", err)
	}
	log.Info().Err(err).Str("device", string(DeviceCPU)).Msg("CUDA unavailable, using CPU")
	return DeviceCPU, nil
}

func probeCUDA() error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("create CUDA options: %w", err)
	}
	defer cudaOptions.Destroy()

	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// ONNXConfig describes an exported feature network.
type ONNXConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	BatchSize  int
	ImageSize  int
	FeatureDim int
	Device     Device
}

// ONNXBackend runs a network exported with its classification head cut off
// after the first fully-connected block. The session is inference-only so
// weights never change. Tensors are sized for a full batch; short batches
// are zero-padded and the padded rows dropped.
type ONNXBackend struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	cfg     ONNXConfig
	closed  bool
}

// NewONNXBackend creates a session for cfg on the already-resolved device.
func NewONNXBackend(cfg ONNXConfig) (*ONNXBackend, error) {
	if cfg.BatchSize <= 0 || cfg.ImageSize <= 0 || cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("invalid ONNX backend config: batch %d, image %d, dim %d", cfg.BatchSize, cfg.ImageSize, cfg.FeatureDim)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}

	if cfg.Device == DeviceCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()

		// Grow the device arena only by what each allocation asks for
		err = cudaOptions.Update(map[string]string{
			"device_id":             "0",
			"arena_extend_strategy": "kSameAsRequested",
		})
		if err != nil {
			return nil, fmt.Errorf("error configuring CUDA options: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("error enabling CUDA provider: %w", err)
		}
	}

	inputShape := ort.NewShape(int64(cfg.BatchSize), 3, int64(cfg.ImageSize), int64(cfg.ImageSize))
	outputShape := ort.NewShape(int64(cfg.BatchSize), int64(cfg.FeatureDim))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session for %s: %w", cfg.ModelPath, err)
	}

	log.Info().
		Str("model_path", cfg.ModelPath).
		Str("device", string(cfg.Device)).
		Int("batch_size", cfg.BatchSize).
		Int("feature_dim", cfg.FeatureDim).
		Msg("ONNX feature network loaded")

	return &ONNXBackend{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		cfg:     cfg,
	}, nil
}

func (b *ONNXBackend) Embed(input []float32, n int) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("ONNX backend is closed")
	}
	if n <= 0 || n > b.cfg.BatchSize {
		return nil, fmt.Errorf("batch of %d images exceeds session batch size %d", n, b.cfg.BatchSize)
	}

	data := b.input.GetData()
	if len(input) != n*len(data)/b.cfg.BatchSize {
		return nil, fmt.Errorf("input has %d values, expected %d", len(input), n*len(data)/b.cfg.BatchSize)
	}
	copy(data, input)
	clear(data[len(input):])

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := b.output.GetData()
	result := make([]float32, n*b.cfg.FeatureDim)
	copy(result, out[:n*b.cfg.FeatureDim])
	return result, nil
}

func (b *ONNXBackend) InputShape() (int, int, int) {
	return 3, b.cfg.ImageSize, b.cfg.ImageSize
}

func (b *ONNXBackend) Dim() int {
	return b.cfg.FeatureDim
}

func (b *ONNXBackend) Device() Device {
	return b.cfg.Device
}

// Close destroys the session and its tensors, releasing device memory.
// Calling it twice is safe.
func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			firstErr = err
		}
	}
	if b.input != nil {
		if err := b.input.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.output != nil {
		if err := b.output.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
