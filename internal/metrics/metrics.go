// Package metrics publishes dispatch and tracking outcomes to CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailmerge/internal/types"
)

// Result dimension values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits one datum per observation:
//
//   - DispatchAttempt {Provider, Result} and DispatchLatency {Provider}
//   - TrackingRequest {Operation, Result}
//   - TrackingIdentifierRetired and TrackingLinkFallback, no dimensions
//
// Publishing failures are logged and swallowed.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchRecorder creates a recorder. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func resultValue(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultFailed
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (r *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	})
	if err != nil {
		r.logger.Error("failed to publish metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// RecordDispatch records one send attempt and its latency in a single call.
func (r *CloudWatchRecorder) RecordDispatch(ctx context.Context, provider string, success bool, latency time.Duration) {
	r.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDispatchAttempt),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dim(types.DimProvider, provider),
				dim(types.DimResult, resultValue(success)),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDispatchLatency),
			Value:      aws.Float64(float64(latency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(types.DimProvider, provider)},
		},
	)
}

// RecordTrackingRequest records the final outcome for one identifier of a
// create or read fan-out (after retries).
func (r *CloudWatchRecorder) RecordTrackingRequest(ctx context.Context, operation string, success bool) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricTrackingRequest),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimOperation, operation),
			dim(types.DimResult, resultValue(success)),
		},
	})
}

// RecordRetired counts identifiers retired after failed lookups.
func (r *CloudWatchRecorder) RecordRetired(ctx context.Context) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricTrackingRetired),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordFallback counts links that fell back to the untracked URL.
func (r *CloudWatchRecorder) RecordFallback(ctx context.Context) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricTrackingFallback),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordRequest records one API request and its latency. It satisfies
// core.MetricsCollector, which has no request context to pass through.
func (r *CloudWatchRecorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	r.put(context.Background(),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dim(types.DimMethod, method),
				dim(types.DimEndpoint, endpoint),
				dim(types.DimStatus, status),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				dim(types.DimMethod, method),
				dim(types.DimEndpoint, endpoint),
			},
		},
	)
}

// Noop discards every observation. Used when METRICS_ENABLED is false.
type Noop struct{}

func (Noop) RecordDispatch(context.Context, string, bool, time.Duration) {}
func (Noop) RecordTrackingRequest(context.Context, string, bool)         {}
func (Noop) RecordRetired(context.Context)                               {}
func (Noop) RecordFallback(context.Context)                              {}
func (Noop) RecordRequest(string, string, string, time.Duration)         {}
