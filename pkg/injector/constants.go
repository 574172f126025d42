package injector

const (
	Version = "v0.1.0"

	EnvOutputDir      = "ADLI_OUTPUT_DIR"
	EnvRuntimeVersion = "ADLI_RUNTIME_VERSION"
	EnvRuntimeReplace = "ADLI_RUNTIME_REPLACE"
	EnvLogLevel       = "ADLI_LOG_LEVEL"

	DefaultOutputDir = "adli_out"
	DefaultLogLevel  = "info"

	HeaderFileName     = "adli_header.json"
	HeaderYAMLFileName = "adli_header.yaml"
	GoModFileName      = "go.mod"
	GoSumFileName      = "go.sum"

	// SysInfoKey holds the --sysinfo document inside the program metadata.
	SysInfoKey = "sysinfo"

	// fallback module path for programs without a go.mod
	standaloneModulePath = "adli.local/program"
	standaloneGoVersion = "1.24.0"

	outputFileMode = 0o644
)
