package adli

// env vars read by ConfigFromEnv
const (
	ENV_LOG_DIR          = "ADLI_LOG_DIR"
	ENV_EXECUTION_ID     = "ADLI_EXECUTION_ID"
	ENV_MAX_DEPTH        = "ADLI_MAX_DEPTH"
	ENV_LOG_COMPRESS     = "ADLI_LOG_COMPRESS"
	ENV_CALL_STACK       = "ADLI_CALL_STACK"
	ENV_CALL_STACK_DEPTH = "ADLI_CALL_STACK_DEPTH"
	ENV_MAX_CORRELATIONS = "ADLI_MAX_CORRELATIONS"
	ENV_DISABLED         = "ADLI_DISABLED"
)

const (
	defaultMaxDepth        = 8
	defaultCallStackDepth  = 16
	defaultMaxCorrelations = 100000
	defaultLogDirName      = "adli"

	logFileSuffix        = ".adli.jsonl"
	compressedFileSuffix = ".adli.jsonl.zst"
	compressionZstd      = "zstd"

	eventBufferInitialSize = 256
	runtimePackagePrefix   = "github.com/smith-xyz/go-adli/pkg/adli."
)

// event type discriminators
const (
	EventExecution = "adli_execution"
	EventVariable  = "adli_variable"
	EventException = "adli_exception"
	EventHeader    = "adli_header"
	EventOutput    = "adli_output"
	EventInput     = "adli_input"
)

// serialization sentinels
const (
	MaxDepthSentinel = "adli: max depth reached"
	CycleSentinel    = "adli: cycle"
	Unprintable      = "adli: unprintable"
)
