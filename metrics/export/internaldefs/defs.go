package internaldefs

import (
	"github.com/MrEthical07/authflow"
)

// CounterDef names one client counter for exporters.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef names one client latency histogram for exporters.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in output order.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricLoginSuccess, Name: "authflow_login_success_total", Help: "Sign-ins that reached the authenticated state."},
	{ID: authflow.MetricLoginFailure, Name: "authflow_login_failure_total", Help: "Rejected primary credentials or social callbacks."},
	{ID: authflow.MetricTwoFactorRequired, Name: "authflow_two_factor_required_total", Help: "Attempts that entered the two-factor challenge."},
	{ID: authflow.MetricTwoFactorFailure, Name: "authflow_two_factor_failure_total", Help: "Rejected two-factor or backup codes."},
	{ID: authflow.MetricBackupCodeUsed, Name: "authflow_backup_code_used_total", Help: "Submitted backup codes."},
	{ID: authflow.MetricDeviceVerificationRequired, Name: "authflow_device_verification_required_total", Help: "Device challenges entered."},
	{ID: authflow.MetricDeviceVerified, Name: "authflow_device_verified_total", Help: "Completed device challenges."},
	{ID: authflow.MetricAgeVerificationRequired, Name: "authflow_age_verification_required_total", Help: "Age gates entered."},
	{ID: authflow.MetricRateLimited, Name: "authflow_rate_limited_total", Help: "Rate-limited requests and locally refused resends."},
	{ID: authflow.MetricUserFetch, Name: "authflow_user_fetch_total", Help: "Current-user requests sent."},
	{ID: authflow.MetricUserFetchDeduplicated, Name: "authflow_user_fetch_deduplicated_total", Help: "Current-user fetches joined to an in-flight request."},
	{ID: authflow.MetricSessionInvalidated, Name: "authflow_session_invalidated_total", Help: "Sessions dropped after the server rejected the token."},
	{ID: authflow.MetricExpiredTokenDiscarded, Name: "authflow_expired_token_discarded_total", Help: "Expired stored tokens discarded without a request."},
	{ID: authflow.MetricLogout, Name: "authflow_logout_total", Help: "Single-session logouts."},
	{ID: authflow.MetricLogoutAll, Name: "authflow_logout_all_total", Help: "Logout-all operations."},
	{ID: authflow.MetricSocialLogin, Name: "authflow_social_login_total", Help: "Accepted social login callbacks."},
	{ID: authflow.MetricRemoteChange, Name: "authflow_remote_change_total", Help: "Session changes made by another process."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricUserFetchLatency, Name: "authflow_user_fetch_latency_seconds", Help: "Current-user fetch latency."},
}

// HistogramBounds are the upper bounds of the client latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are HistogramBounds usable inside instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
