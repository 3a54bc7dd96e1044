package core

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// SeedEnv names the environment variable that pins the random seed.
const SeedEnv = "COLANN_SEED"

// GetSeed receives a seed value for random number generation from the COLANN_SEED environment variable.
// Without it the current time is used and runs are not reproducible.
func GetSeed() int64 {
	seedStr := os.Getenv(SeedEnv)
	if seedStr != "" {
		if seed, err := strconv.ParseInt(seedStr, 10, 64); err == nil {
			log.Debug().Int64("seed", seed).Msg("Using seed from " + SeedEnv)
			return seed
		}
		log.Warn().Str("value", seedStr).Msg("Failed to parse " + SeedEnv)
	}

	seed := time.Now().UnixNano()
	log.Debug().Int64("seed", seed).Msg("Using current time as seed")
	return seed
}

// ResolveSeed returns seed when non-zero and GetSeed otherwise.
func ResolveSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return GetSeed()
}
