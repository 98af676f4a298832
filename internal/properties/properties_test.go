package properties

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownProperty(t *testing.T) {
	r := NewRegistry()
	p, ok := r.Lookup("memory_limit")
	require.True(t, ok)
	assert.True(t, p.Dynamic)
}

func TestDynamicWhitelistMatchesSpec(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		"memory_limit", "cpu_limit", "cpu_guarantee", "io_limit", "io_ops_limit",
		"stdout_limit", "respawn", "max_respawns", "aging_time", "private",
	} {
		assert.True(t, r.IsDynamic(name), "%s should be dynamic", name)
	}
	assert.False(t, r.IsDynamic("command"))
	assert.False(t, r.IsDynamic("root"))
}

func TestValidateRejectsUnknownProperty(t *testing.T) {
	r := NewRegistry()
	_, err := r.Validate("nope", "x")
	assert.Error(t, err)
}

func TestValidateRejectsReadOnlyProperty(t *testing.T) {
	r := NewRegistry()
	_, err := r.Validate("state", "running")
	assert.Error(t, err)
}

func TestValidateSize(t *testing.T) {
	cases := map[string]string{
		"0":    "0",
		"1024": "1024",
		"32M":  "33554432",
		"1G":   "1073741824",
	}
	for in, want := range cases {
		got, err := ValidateSize(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestValidateSizeRejectsGarbage(t *testing.T) {
	_, err := ValidateSize("lots")
	assert.Error(t, err)
}

func TestValidateCPU(t *testing.T) {
	_, err := ValidateCPU("2c")
	assert.NoError(t, err)
	_, err = ValidateCPU("150")
	assert.NoError(t, err)
	_, err = ValidateCPU("nope")
	assert.Error(t, err)
}

func TestValidateEnvSplitsAndEscapes(t *testing.T) {
	got, err := ValidateEnv(`FOO=bar;BAZ=a\;b; ; EMPTY=`)
	require.NoError(t, err)
	assert.Equal(t, "FOO=bar;BAZ=a;b;EMPTY=", got)
}

func TestValidateEnvRejectsMissingEquals(t *testing.T) {
	_, err := ValidateEnv("NOTANASSIGNMENT")
	assert.Error(t, err)
}

func TestSplitEnvList(t *testing.T) {
	got := SplitEnvList(`A=1;B=2\;3; ;C=4`)
	assert.Equal(t, []string{"A=1", "B=2;3", "C=4"}, got)
}

func TestCFSQuotaCores(t *testing.T) {
	assert.Equal(t, int64(50000), CFSQuota("0.5c", 100000, 8))
	assert.Equal(t, int64(-1), CFSQuota("8c", 100000, 8))
}

func TestCFSQuotaPercentage(t *testing.T) {
	assert.Equal(t, int64(400000), CFSQuota("50", 100000, 8))
	assert.Equal(t, int64(-1), CFSQuota("800", 100000, 8))
}

func TestCFSQuotaClampsToKernelMinimum(t *testing.T) {
	assert.Equal(t, int64(1000), CFSQuota("0.001", 100000, 8))
}

func TestListingStableOrder(t *testing.T) {
	r := NewRegistry()
	listing := r.List()
	assert.NotEmpty(t, listing)
	assert.Equal(t, "command", listing[0].Name)
}
