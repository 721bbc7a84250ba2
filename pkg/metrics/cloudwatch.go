package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI provides CloudWatch operations.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher publishes metrics to AWS CloudWatch.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
}

// Ensure CloudWatchPublisher implements Publisher.
var _ Publisher = (*CloudWatchPublisher)(nil)

// NewCloudWatchPublisher creates a CloudWatch metrics publisher.
func NewCloudWatchPublisher(cfg aws.Config) *CloudWatchPublisher {
	return NewCloudWatchPublisherWithNamespace(cfg, "AppLease")
}

// NewCloudWatchPublisherWithNamespace creates a CloudWatch metrics publisher with custom namespace.
func NewCloudWatchPublisherWithNamespace(cfg aws.Config, namespace string) *CloudWatchPublisher {
	return &CloudWatchPublisher{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	}
}

// NewCloudWatchPublisherWithClient creates a publisher with an existing client (for testing).
func NewCloudWatchPublisherWithClient(client CloudWatchAPI, namespace string) *CloudWatchPublisher {
	return &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
	}
}

// Close implements Publisher.Close. CloudWatch client doesn't require cleanup.
func (p *CloudWatchPublisher) Close() error {
	return nil
}

// PublishLeaseAcquired publishes a cold acquisition metric.
func (p *CloudWatchPublisher) PublishLeaseAcquired(ctx context.Context) error {
	return p.putMetric(ctx, "LeaseAcquired", 1, types.StandardUnitCount)
}

// PublishLeaseSwapped publishes a change-based acquisition metric.
func (p *CloudWatchPublisher) PublishLeaseSwapped(ctx context.Context) error {
	return p.putMetric(ctx, "LeaseSwapped", 1, types.StandardUnitCount)
}

// PublishAcquireFailure publishes a failed acquisition attempt metric.
func (p *CloudWatchPublisher) PublishAcquireFailure(ctx context.Context) error {
	return p.putMetric(ctx, "AcquireFailures", 1, types.StandardUnitCount)
}

// PublishLeaseRenewed publishes a successful renewal metric.
func (p *CloudWatchPublisher) PublishLeaseRenewed(ctx context.Context) error {
	return p.putMetric(ctx, "LeaseRenewed", 1, types.StandardUnitCount)
}

// PublishRenewalConflict publishes an ownership-lost metric.
func (p *CloudWatchPublisher) PublishRenewalConflict(ctx context.Context) error {
	return p.putMetric(ctx, "RenewalConflicts", 1, types.StandardUnitCount)
}

// PublishRenewalError publishes an ambiguous renewal failure metric.
func (p *CloudWatchPublisher) PublishRenewalError(ctx context.Context) error {
	return p.putMetric(ctx, "RenewalErrors", 1, types.StandardUnitCount)
}

// PublishLeaseReleased publishes a voluntary release metric.
func (p *CloudWatchPublisher) PublishLeaseReleased(ctx context.Context) error {
	return p.putMetric(ctx, "LeaseReleased", 1, types.StandardUnitCount)
}

// PublishSwapRequested publishes a hand-off request metric.
func (p *CloudWatchPublisher) PublishSwapRequested(ctx context.Context) error {
	return p.putMetric(ctx, "SwapRequested", 1, types.StandardUnitCount)
}

// PublishOwnership publishes the ownership gauge.
func (p *CloudWatchPublisher) PublishOwnership(ctx context.Context, owner bool) error {
	value := 0.0
	if owner {
		value = 1.0
	}
	return p.putGaugeMetric(ctx, "LeaseOwner", value, types.StandardUnitNone)
}

// PublishSessionDuration publishes the session duration metric.
func (p *CloudWatchPublisher) PublishSessionDuration(ctx context.Context, durationSeconds int) error {
	return p.putMetric(ctx, "SessionDuration", float64(durationSeconds), types.StandardUnitSeconds)
}

// PublishPartitionProcessed publishes a processed work item metric.
func (p *CloudWatchPublisher) PublishPartitionProcessed(ctx context.Context) error {
	return p.putMetric(ctx, "PartitionsProcessed", 1, types.StandardUnitCount)
}

// PublishPartitionFailure publishes a failed work item metric.
func (p *CloudWatchPublisher) PublishPartitionFailure(ctx context.Context) error {
	return p.putMetric(ctx, "PartitionFailures", 1, types.StandardUnitCount)
}

func (p *CloudWatchPublisher) putMetric(ctx context.Context, name string, value float64, unit types.StandardUnit) error {
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Timestamp:  aws.Time(time.Now()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s metric: %w", name, err)
	}
	return nil
}

func (p *CloudWatchPublisher) putGaugeMetric(ctx context.Context, name string, value float64, unit types.StandardUnit) error {
	return p.putMetric(ctx, name, value, unit)
}
