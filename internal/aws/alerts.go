package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// AlertEmitter publishes operational alert counters to CloudWatch. Alarms are
// configured on the metric outside of this service.
type AlertEmitter struct {
	client    CloudWatchAPI
	namespace string
	service   string
	nowFunc   func() time.Time
}

// NewAlertEmitter returns an emitter writing to namespace with a Service dimension.
func NewAlertEmitter(client CloudWatchAPI, namespace, service string) *AlertEmitter {
	return &AlertEmitter{
		client:    client,
		namespace: namespace,
		service:   service,
		nowFunc:   time.Now,
	}
}

// Alert records one occurrence of the named alert for an order.
func (a *AlertEmitter) Alert(ctx context.Context, name, orderID string) error {
	now := a.nowFunc()
	_, err := a.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &a.namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: &name,
				Timestamp:  &now,
				Unit:       cwtypes.StandardUnitCount,
				Value:      float64Ptr(1),
				Dimensions: []cwtypes.Dimension{
					{Name: String("Service"), Value: &a.service},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data %s (order=%s): %w", name, orderID, err)
	}
	return nil
}

func float64Ptr(v float64) *float64 { return &v }
