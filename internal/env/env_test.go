//go:build unit

package env

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetenvOrDefault(t *testing.T) {
	key := "TEST_GETENV_OR_DEFAULT"

	t.Setenv(key, "value")
	assert.Equal(t, "value", GetenvOrDefault(key, "default"))

	t.Setenv(key, "   ")
	assert.Equal(t, "default", GetenvOrDefault(key, "default"), "whitespace-only should return default")

	os.Unsetenv(key)
	assert.Equal(t, "default", GetenvOrDefault(key, "default"))
}

func TestGetenvIntOrDefault(t *testing.T) {
	key := "TEST_GETENV_INT"

	t.Setenv(key, "42")
	assert.Equal(t, 42, GetenvIntOrDefault(key, 7))

	t.Setenv(key, "-3")
	assert.Equal(t, -3, GetenvIntOrDefault(key, 7))

	t.Setenv(key, "not-a-number")
	assert.Equal(t, 7, GetenvIntOrDefault(key, 7))

	os.Unsetenv(key)
	assert.Equal(t, 7, GetenvIntOrDefault(key, 7))
}

func TestGetenvFloatOrDefault(t *testing.T) {
	key := "TEST_GETENV_FLOAT"

	t.Setenv(key, "0.45")
	assert.InDelta(t, 0.45, GetenvFloatOrDefault(key, 0.3), 1e-9)

	t.Setenv(key, "bogus")
	assert.InDelta(t, 0.3, GetenvFloatOrDefault(key, 0.3), 1e-9)
}

func TestGetenvBoolOrDefault(t *testing.T) {
	key := "TEST_GETENV_BOOL"

	t.Setenv(key, "true")
	assert.True(t, GetenvBoolOrDefault(key, false))

	t.Setenv(key, "0")
	assert.False(t, GetenvBoolOrDefault(key, true))

	t.Setenv(key, "maybe")
	assert.True(t, GetenvBoolOrDefault(key, true))
}

func TestGetenvDurationOrDefault(t *testing.T) {
	key := "TEST_GETENV_DURATION"

	t.Setenv(key, "5s")
	assert.Equal(t, 5*time.Second, GetenvDurationOrDefault(key, time.Minute))

	t.Setenv(key, "90")
	assert.Equal(t, 90*time.Second, GetenvDurationOrDefault(key, time.Minute), "bare integers are seconds")

	t.Setenv(key, "soon")
	assert.Equal(t, time.Minute, GetenvDurationOrDefault(key, time.Minute))
}

func TestGetenvList(t *testing.T) {
	key := "TEST_GETENV_LIST"

	t.Setenv(key, "key-a, key-b ,,key-c")
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, GetenvList(key))

	os.Unsetenv(key)
	assert.Nil(t, GetenvList(key))
}

