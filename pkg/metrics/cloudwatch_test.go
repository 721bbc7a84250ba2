package metrics

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

type mockCloudWatchClient struct {
	putMetricDataFunc func(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	inputs            []*cloudwatch.PutMetricDataInput
}

func (m *mockCloudWatchClient) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.putMetricDataFunc != nil {
		return m.putMetricDataFunc(ctx, params, optFns...)
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchPublisher_PublishLeaseAcquired(t *testing.T) {
	mockCW := &mockCloudWatchClient{}
	pub := NewCloudWatchPublisherWithClient(mockCW, "AppLeaseTest")

	if err := pub.PublishLeaseAcquired(context.Background()); err != nil {
		t.Fatalf("PublishLeaseAcquired() error = %v", err)
	}

	if len(mockCW.inputs) != 1 {
		t.Fatalf("PutMetricData calls = %d, want 1", len(mockCW.inputs))
	}
	input := mockCW.inputs[0]
	if *input.Namespace != "AppLeaseTest" {
		t.Errorf("namespace = %q, want AppLeaseTest", *input.Namespace)
	}
	if *input.MetricData[0].MetricName != "LeaseAcquired" {
		t.Errorf("metric name = %q, want LeaseAcquired", *input.MetricData[0].MetricName)
	}
}

func TestCloudWatchPublisher_PublishOwnership(t *testing.T) {
	mockCW := &mockCloudWatchClient{}
	pub := NewCloudWatchPublisherWithClient(mockCW, "AppLeaseTest")

	if err := pub.PublishOwnership(context.Background(), true); err != nil {
		t.Fatalf("PublishOwnership(true) error = %v", err)
	}
	if err := pub.PublishOwnership(context.Background(), false); err != nil {
		t.Fatalf("PublishOwnership(false) error = %v", err)
	}

	if got := *mockCW.inputs[0].MetricData[0].Value; got != 1 {
		t.Errorf("ownership gauge = %v, want 1", got)
	}
	if got := *mockCW.inputs[1].MetricData[0].Value; got != 0 {
		t.Errorf("ownership gauge = %v, want 0", got)
	}
}

func TestCloudWatchPublisher_Close(t *testing.T) {
	pub := NewCloudWatchPublisherWithClient(&mockCloudWatchClient{}, "AppLeaseTest")
	if err := pub.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
