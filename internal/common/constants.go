package common

// Split names
const (
	TrainSplit = "train"
	TestSplit  = "test"
)

// Environment variable keys
const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvDataRoot        = "DATA_ROOT"
	EnvTrainSplit      = "TRAIN_SPLIT"
	EnvTestSplit       = "TEST_SPLIT"
	EnvBatchSize       = "BATCH_SIZE"
	EnvWorkers         = "WORKERS"
	EnvShuffle         = "SHUFFLE"
	EnvSeed            = "SEED"
	EnvBackend         = "EXTRACTOR_BACKEND"
	EnvModelPath       = "MODEL_PATH"
	EnvWeightsID       = "WEIGHTS_ID"
	EnvWeightsURL      = "WEIGHTS_URL"
	EnvWeightsCacheDir = "WEIGHTS_CACHE_DIR"
	EnvORTLibPath      = "ORT_LIB_PATH"
	EnvInputName       = "MODEL_INPUT_NAME"
	EnvOutputName      = "MODEL_OUTPUT_NAME"
	EnvFeatureDim      = "FEATURE_DIM"
	EnvImageSize       = "IMAGE_SIZE"
	EnvDevice          = "DEVICE"
	EnvSVMC            = "SVM_C"
	EnvSVMGamma        = "SVM_GAMMA"
	EnvSVMTolerance    = "SVM_TOLERANCE"
	EnvSVMMaxIter      = "SVM_MAX_ITER"
	EnvSVMCacheRows    = "SVM_CACHE_ROWS"
	EnvClassifierPath  = "CLASSIFIER_PATH"
	EnvReportPath      = "REPORT_PATH"
	EnvHistoryPath     = "HISTORY_PATH"
	EnvMetricsFile     = "METRICS_FILE"
	EnvLogLevel        = "LOG_LEVEL"
	EnvServePort       = "SERVE_PORT"
	EnvDownloadTimeout = "DOWNLOAD_TIMEOUT"
	EnvDriftCheck      = "DRIFT_CHECK"
	EnvDriftThreshold  = "DRIFT_THRESHOLD"
)

// Configuration defaults
const (
	DefaultDataRoot        = "data"
	DefaultBatchSize       = 8
	DefaultWorkers         = 4
	DefaultBackend         = "onnx"
	DefaultWeightsID       = "vgg16_fc6"
	DefaultWeightsCacheDir = "models"
	DefaultInputName       = "input"
	DefaultOutputName      = "features"
	DefaultFeatureDim      = 4096 // VGG16 classifier truncated after its first fully-connected block
	DefaultImageSize       = 224
	DefaultResizeSize      = 256
	DefaultDevice          = "auto"
	DefaultSVMC            = 1.0
	DefaultSVMGamma        = "scale"
	DefaultSVMTolerance    = 1e-3
	DefaultSVMCacheRows    = 2000
	DefaultClassifierPath  = "svm_model.gob"
	DefaultReportPath      = "classification_report.txt"
	DefaultLogLevel        = "info"
	DefaultServePort       = 8080
	DefaultDriftThreshold  = 0.1
)

// Backend names
const (
	BackendONNX      = "onnx"
	BackendHistogram = "histogram"
)

// Validation constants
const (
	MinBatchSize  = 1
	MaxBatchSize  = 1024
	MaxWorkers    = 256
	MinImageSize  = 16
	MaxImageSize  = 4096
	MaxFeatureDim = 1 << 20
	MinServePort  = 1024
	MaxServePort  = 65535
)
