package core

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogEnv names the environment variable that selects the log level.
const LogEnv = "COLANN_LOG"

// init initializes the logging configuration based on the COLANN_LOG environment variable.
func init() {
	zerolog.SetGlobalLevel(LogLevel(os.Getenv(LogEnv)))
}

// LogLevel maps a COLANN_LOG value to a zerolog level: "off"/"0" disables logging,
// "full" enables debug output, anything else means info.
func LogLevel(value string) zerolog.Level {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "off", "0":
		return zerolog.Disabled
	case "full":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
