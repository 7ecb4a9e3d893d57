package validation

import (
	"fmt"
	"net/url"

	"github.com/hashicorp/go-multierror"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/pkg/api"
)

const (
	MaxNameLength      = 100
	MinConcurrency     = 1
	MaxConcurrency     = 10000
	MinDurationSeconds = 10
	MaxDurationSeconds = 86400
	MaxRampUpSeconds   = 3600
	MinTimeoutMillis   = 1000
	MaxTimeoutMillis   = 300000
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// ValidateJobSpec checks a load-test spec against the submission bounds.
// All violations are collected so the caller sees every problem at once.
func ValidateJobSpec(spec *api.LoadTestSpec) error {
	var result *multierror.Error

	if spec.Name == "" {
		result = multierror.Append(result, fmt.Errorf("name must not be empty"))
	} else if len(spec.Name) > MaxNameLength {
		result = multierror.Append(result, fmt.Errorf("name must be at most %d characters", MaxNameLength))
	}

	if u, err := url.Parse(spec.TargetUrl); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		result = multierror.Append(result, fmt.Errorf("targetUrl %q is not a valid http(s) url", spec.TargetUrl))
	}

	if !allowedMethods[spec.Method] {
		result = multierror.Append(result, fmt.Errorf("method %q is not supported", spec.Method))
	}

	if spec.Concurrency < MinConcurrency || spec.Concurrency > MaxConcurrency {
		result = multierror.Append(result,
			fmt.Errorf("concurrency must be between %d and %d", MinConcurrency, MaxConcurrency))
	}

	if spec.DurationSeconds < MinDurationSeconds || spec.DurationSeconds > MaxDurationSeconds {
		result = multierror.Append(result,
			fmt.Errorf("duration must be between %ds and %ds", MinDurationSeconds, MaxDurationSeconds))
	}

	if spec.RampUpSeconds < 0 || spec.RampUpSeconds > MaxRampUpSeconds {
		result = multierror.Append(result,
			fmt.Errorf("rampUpTime must be between 0s and %ds", MaxRampUpSeconds))
	}

	if spec.TimeoutMillis < MinTimeoutMillis || spec.TimeoutMillis > MaxTimeoutMillis {
		result = multierror.Append(result,
			fmt.Errorf("timeout must be between %dms and %dms", MinTimeoutMillis, MaxTimeoutMillis))
	}

	if spec.Proxy != "" {
		if u, err := url.Parse(spec.Proxy); err != nil || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("proxy %q is not a valid url", spec.Proxy))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return &mesherrors.ErrInvalidJobSpec{Reason: err}
	}
	return nil
}

// ApplyDefaults fills in the optional fields the submission API defaults.
func ApplyDefaults(spec *api.LoadTestSpec) {
	if spec.Method == "" {
		spec.Method = "GET"
	}
	if spec.TimeoutMillis == 0 {
		spec.TimeoutMillis = 30000
	}
}
