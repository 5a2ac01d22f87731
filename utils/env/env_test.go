package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionalStringVariable(t *testing.T) {
	assert.Equal(t, "fallback", OptionalStringVariable("ENV_TEST_MISSING", "fallback"))

	t.Setenv("ENV_TEST_STRING", "set")
	assert.Equal(t, "set", OptionalStringVariable("ENV_TEST_STRING", "fallback"))

	// An empty value still counts as set.
	t.Setenv("ENV_TEST_EMPTY", "")
	assert.Equal(t, "", OptionalStringVariable("ENV_TEST_EMPTY", "fallback"))
}

func TestOptionalIntVariable(t *testing.T) {
	assert.Equal(t, 42, OptionalIntVariable("ENV_TEST_MISSING", 42))

	t.Setenv("ENV_TEST_INT", "7")
	assert.Equal(t, 7, OptionalIntVariable("ENV_TEST_INT", 42))
}

func TestOptionalBoolVariable(t *testing.T) {
	assert.True(t, OptionalBoolVariable("ENV_TEST_MISSING", true))

	t.Setenv("ENV_TEST_BOOL", "false")
	assert.False(t, OptionalBoolVariable("ENV_TEST_BOOL", true))
}

func TestOptionalFloatVariable(t *testing.T) {
	assert.Equal(t, 1.5, OptionalFloatVariable("ENV_TEST_MISSING", 1.5))

	t.Setenv("ENV_TEST_FLOAT", "99.25")
	assert.Equal(t, 99.25, OptionalFloatVariable("ENV_TEST_FLOAT", 1.5))
}

func TestOptionalDurationVariable(t *testing.T) {
	assert.Equal(t, time.Minute, OptionalDurationVariable("ENV_TEST_MISSING", time.Minute))

	t.Setenv("ENV_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, OptionalDurationVariable("ENV_TEST_DURATION", time.Minute))
}

func TestInvalidValuesAreFatal(t *testing.T) {
	fatals := 0
	original := logFatalf
	logFatalf = func(format string, v ...any) { fatals++ }
	defer func() { logFatalf = original }()

	t.Setenv("ENV_TEST_BAD", "not-a-number")
	OptionalIntVariable("ENV_TEST_BAD", 0)
	OptionalFloatVariable("ENV_TEST_BAD", 0)
	OptionalDurationVariable("ENV_TEST_BAD", 0)

	assert.Equal(t, 3, fatals)
}

func TestHasEnv(t *testing.T) {
	assert.False(t, HasEnv("ENV_TEST_MISSING"))

	t.Setenv("ENV_TEST_PRESENT", "")
	assert.True(t, HasEnv("ENV_TEST_PRESENT"))
}
