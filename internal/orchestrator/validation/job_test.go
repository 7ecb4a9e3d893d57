package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/pkg/api"
)

func TestValidateJobSpecAcceptsValidSpec(t *testing.T) {
	assert.NoError(t, ValidateJobSpec(validSpec()))
}

func TestValidateJobSpecBounds(t *testing.T) {
	tests := map[string]func(spec *api.LoadTestSpec){
		"empty name":           func(s *api.LoadTestSpec) { s.Name = "" },
		"name too long":        func(s *api.LoadTestSpec) { s.Name = strings.Repeat("x", MaxNameLength+1) },
		"empty url":            func(s *api.LoadTestSpec) { s.TargetUrl = "" },
		"non-http url":         func(s *api.LoadTestSpec) { s.TargetUrl = "ftp://example.com" },
		"url without host":     func(s *api.LoadTestSpec) { s.TargetUrl = "https://" },
		"unsupported method":   func(s *api.LoadTestSpec) { s.Method = "TRACE" },
		"zero concurrency":     func(s *api.LoadTestSpec) { s.Concurrency = 0 },
		"too much concurrency": func(s *api.LoadTestSpec) { s.Concurrency = MaxConcurrency + 1 },
		"too short duration":   func(s *api.LoadTestSpec) { s.DurationSeconds = MinDurationSeconds - 1 },
		"too long duration":    func(s *api.LoadTestSpec) { s.DurationSeconds = MaxDurationSeconds + 1 },
		"negative ramp up":     func(s *api.LoadTestSpec) { s.RampUpSeconds = -1 },
		"too long ramp up":     func(s *api.LoadTestSpec) { s.RampUpSeconds = MaxRampUpSeconds + 1 },
		"too short timeout":    func(s *api.LoadTestSpec) { s.TimeoutMillis = MinTimeoutMillis - 1 },
		"too long timeout":     func(s *api.LoadTestSpec) { s.TimeoutMillis = MaxTimeoutMillis + 1 },
		"invalid proxy":        func(s *api.LoadTestSpec) { s.Proxy = "not a url" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			spec := validSpec()
			mutate(spec)

			err := ValidateJobSpec(spec)
			var invalid *mesherrors.ErrInvalidJobSpec
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestValidateJobSpecCollectsAllViolations(t *testing.T) {
	spec := validSpec()
	spec.Name = ""
	spec.Concurrency = 0
	spec.DurationSeconds = 1

	err := ValidateJobSpec(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "concurrency")
	assert.Contains(t, err.Error(), "duration")
}

func TestValidateJobSpecBoundaryValues(t *testing.T) {
	spec := validSpec()
	spec.Concurrency = MaxConcurrency
	spec.DurationSeconds = MinDurationSeconds
	spec.RampUpSeconds = MaxRampUpSeconds
	spec.TimeoutMillis = MinTimeoutMillis
	assert.NoError(t, ValidateJobSpec(spec))
}

func TestApplyDefaults(t *testing.T) {
	spec := &api.LoadTestSpec{}
	ApplyDefaults(spec)
	assert.Equal(t, "GET", spec.Method)
	assert.Equal(t, 30000, spec.TimeoutMillis)

	spec = &api.LoadTestSpec{Method: "POST", TimeoutMillis: 5000}
	ApplyDefaults(spec)
	assert.Equal(t, "POST", spec.Method)
	assert.Equal(t, 5000, spec.TimeoutMillis)
}

func validSpec() *api.LoadTestSpec {
	return &api.LoadTestSpec{
		Name:            "checkout flow",
		TargetUrl:       "https://example.com/checkout",
		Method:          "POST",
		Concurrency:     200,
		DurationSeconds: 300,
		RampUpSeconds:   30,
		TimeoutMillis:   30000,
	}
}
