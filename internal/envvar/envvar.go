package envvar

const (
	// FedassistEnv is the environment variable used to determine the environment.
	FedassistEnv = "FEDASSIST_ENV"

	// FedassistModelsPath is the environment variable used to override the models directory.
	FedassistModelsPath = "FEDASSIST_MODELS_PATH"

	// FedassistLlamaBin is the environment variable used to locate the llama.cpp CLI binary.
	FedassistLlamaBin = "FEDASSIST_LLAMA_BIN"

	// FedassistLogFile is the environment variable used to override the log file path.
	FedassistLogFile = "FEDASSIST_LOG_FILE"
)
