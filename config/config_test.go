package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvConfig_GetStringFallsBackToDefault(t *testing.T) {
	ec := NewEnvConfig("DOCBATCH_TEST")
	assert.Equal(t, "fallback", ec.GetString("UNSET_KEY", "fallback"))
}

func TestEnvConfig_GetStringReadsPrefixedKey(t *testing.T) {
	t.Setenv("DOCBATCH_TEST_NAME", "staging")
	ec := NewEnvConfig("DOCBATCH_TEST")
	assert.Equal(t, "staging", ec.GetString("NAME", "default"))
}

func TestEnvConfig_GetIntFallsBackOnUnparseable(t *testing.T) {
	t.Setenv("DOCBATCH_TEST_COUNT", "not-a-number")
	ec := NewEnvConfig("DOCBATCH_TEST")
	assert.Equal(t, 7, ec.GetInt("COUNT", 7))
}

func TestEnvConfig_GetDurationParsesValue(t *testing.T) {
	t.Setenv("DOCBATCH_TEST_TIMEOUT", "45s")
	ec := NewEnvConfig("DOCBATCH_TEST")
	assert.Equal(t, 45*time.Second, ec.GetDuration("TIMEOUT", time.Minute))
}

func TestEnvConfig_MustGetStringPanicsWhenUnset(t *testing.T) {
	os.Unsetenv("DOCBATCH_TEST_REQUIRED")
	ec := NewEnvConfig("DOCBATCH_TEST")
	assert.Panics(t, func() { ec.MustGetString("REQUIRED") })
}

func TestEnvConfig_NoPrefixUsesBareKey(t *testing.T) {
	t.Setenv("BARE_KEY", "value")
	ec := NewEnvConfig("")
	assert.Equal(t, "value", ec.GetString("BARE_KEY", "default"))
}
