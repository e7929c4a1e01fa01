package types

// Telemetry metric names for CloudWatch.
const (
	// Metric Names
	MetricDispatchAttempt  = "DispatchAttempt"
	MetricDispatchLatency  = "DispatchLatency"
	MetricTrackingRequest  = "TrackingRequest"
	MetricTrackingRetired  = "TrackingIdentifierRetired"
	MetricTrackingFallback = "TrackingLinkFallback"
	MetricAPIRequestCount  = "APIRequestCount"
	MetricAPILatency       = "APILatency"

	// Dimension Keys
	DimResult    = "Result"
	DimOperation = "Operation"
	DimProvider  = "Provider"
	DimMethod    = "Method"
	DimEndpoint  = "Endpoint"
	DimStatus    = "Status"

	// Metric Namespace
	MetricNamespace = "MailMerge"
)
