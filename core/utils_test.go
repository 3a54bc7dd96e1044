package core

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSeedFromEnv(t *testing.T) {
	expectedSeed := int64(12345)
	t.Setenv(SeedEnv, strconv.FormatInt(expectedSeed, 10))
	assert.Equal(t, expectedSeed, GetSeed())
}

func TestGetSeedFromEnvInvalid(t *testing.T) {
	t.Setenv(SeedEnv, "invalid")
	assert.NotZero(t, GetSeed())
}

func TestResolveSeed(t *testing.T) {
	assert.Equal(t, int64(7), ResolveSeed(7))
	t.Setenv(SeedEnv, "99")
	assert.Equal(t, int64(99), ResolveSeed(0))
}
