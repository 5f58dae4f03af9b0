package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the status server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "almond_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Marketplace API metrics
var (
	// MarketplaceAPICallsTotal counts marketplace API calls by operation and status
	MarketplaceAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_marketplace_api_calls_total",
			Help: "Total number of marketplace API calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	// MarketplaceAPIResponseTime tracks API response times by operation
	MarketplaceAPIResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "almond_marketplace_api_response_time_seconds",
			Help: "Response time of marketplace API calls by operation",
			// 10ms to 60s
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"operation"},
	)
)

// Provisioning metrics
var (
	// RunTransitions counts provisioning state transitions by target state
	RunTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_run_transitions_total",
			Help: "Total number of provisioning state transitions by target state",
		},
		[]string{"state"},
	)

	// PollAttempts tracks how many polls a wait loop needed
	PollAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "almond_poll_attempts",
			Help:    "Number of attempts needed by a polling loop",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
		},
		[]string{"operation"},
	)

	// ProvisioningDuration tracks how long provisioning takes end to end
	ProvisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "almond_provisioning_duration_seconds",
			Help:    "Duration from offer selection to a ready session",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
	)

	// RebootsRequested counts reboots issued after a failed GPU check
	RebootsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "almond_gpu_reboots_requested_total",
			Help: "Total number of reboots requested because the GPU was not visible",
		},
	)

	// RunsReconciled counts ledger runs corrected by the reconciler
	RunsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_runs_reconciled_total",
			Help: "Ledger runs corrected by reconciliation by outcome (ghost, abandoned, error)",
		},
		[]string{"outcome"},
	)

	// InstancesDeleted counts instances deleted by reason
	InstancesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_instances_deleted_total",
			Help: "Total number of instances deleted by reason (stop, cancelled)",
		},
		[]string{"reason"},
	)

	// NodeFailures counts provisioning failures attributed to a node
	NodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_node_failures_total",
			Help: "Provisioning failures attributed to a marketplace node by kind",
		},
		[]string{"kind"},
	)
)

// Remote session metrics
var (
	// SSHConnectAttempts counts connection attempts by outcome
	SSHConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_ssh_connect_attempts_total",
			Help: "SSH connection attempts by outcome (success, refused, failed)",
		},
		[]string{"outcome"},
	)

	// CommandExits counts remote command completions by batch and exit class
	CommandExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_command_exits_total",
			Help: "Remote command batch completions by batch name and result (zero, nonzero, error)",
		},
		[]string{"batch", "result"},
	)

	// TransferBytes counts bytes uploaded over SFTP
	TransferBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "almond_transfer_bytes_total",
			Help: "Total number of bytes uploaded to remote instances",
		},
	)

	// TransferFiles counts uploaded files by outcome
	TransferFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "almond_transfer_files_total",
			Help: "Total number of files uploaded by outcome (success, error)",
		},
		[]string{"outcome"},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordMarketplaceCall records a marketplace API call with its status and latency.
// status should be "success" or "error".
func RecordMarketplaceCall(operation, status string, duration time.Duration) {
	MarketplaceAPICallsTotal.WithLabelValues(operation, status).Inc()
	MarketplaceAPIResponseTime.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransition increments the transition counter for the target state
func RecordTransition(state string) {
	RunTransitions.WithLabelValues(state).Inc()
}

// RecordPollAttempts records how many attempts a polling loop took
func RecordPollAttempts(operation string, attempts int) {
	PollAttempts.WithLabelValues(operation).Observe(float64(attempts))
}

// RecordProvisioningDuration records how long provisioning took
func RecordProvisioningDuration(duration time.Duration) {
	ProvisioningDuration.Observe(duration.Seconds())
}

// RecordRebootRequested increments the reboot counter
func RecordRebootRequested() {
	RebootsRequested.Inc()
}

// RecordInstanceDeleted increments the deleted-instance counter
func RecordInstanceDeleted(reason string) {
	InstancesDeleted.WithLabelValues(reason).Inc()
}

// RecordRunReconciled increments the reconciliation counter for outcome
func RecordRunReconciled(outcome string) {
	RunsReconciled.WithLabelValues(outcome).Inc()
}

// RecordNodeFailure increments the node failure counter for kind
func RecordNodeFailure(kind string) {
	NodeFailures.WithLabelValues(kind).Inc()
}

// RecordSSHConnectAttempt increments the connect attempt counter
func RecordSSHConnectAttempt(outcome string) {
	SSHConnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordCommandExit classifies a batch result by exit code
func RecordCommandExit(batch string, exitCode int, err error) {
	result := "zero"
	switch {
	case err != nil:
		result = "error"
	case exitCode != 0:
		result = "nonzero"
	}
	CommandExits.WithLabelValues(batch, result).Inc()
}

// RecordTransferBytes adds to the uploaded byte counter
func RecordTransferBytes(n int64) {
	TransferBytes.Add(float64(n))
}

// RecordTransferFile increments the file counter for the given outcome
func RecordTransferFile(outcome string) {
	TransferFiles.WithLabelValues(outcome).Inc()
}
