package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"site-expansion/internal/common/logger"
	"site-expansion/internal/models"
)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// JobStatusEvent is published whenever an expansion job reaches a terminal state.
type JobStatusEvent struct {
	JobID       string           `json:"jobId"`
	UserID      string           `json:"userId"`
	Status      models.JobStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	TokensUsed  int              `json:"tokensUsed,omitempty"`
	ActualCost  float64          `json:"actualCost,omitempty"`
	Suggestions int              `json:"suggestions,omitempty"`
	OccurredAt  time.Time        `json:"occurredAt"`
}

type SNSNotifier struct {
	client   SNSAPI
	topicARN string
	logger   logger.Logger
}

// NewSNSNotifier loads the default AWS credential chain for region.
func NewSNSNotifier(ctx context.Context, region, topicARN string, log logger.Logger) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicARN, log)
}

func NewSNSNotifierWithClient(client SNSAPI, topicARN string, log logger.Logger) (*SNSNotifier, error) {
	if topicARN == "" {
		return nil, errors.New("sns topic arn is required")
	}
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
		logger:   logger.ForComponent(log, "sns-notifier"),
	}, nil
}

// NotifyJobStatus publishes event as JSON with the status as a message
// attribute so subscribers can filter on it.
func (n *SNSNotifier) NotifyJobStatus(ctx context.Context, event JobStatusEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode job status event: %w", err)
	}

	out, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String(fmt.Sprintf("Expansion job %s", event.Status)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {DataType: aws.String("String"), StringValue: aws.String(string(event.Status))},
			"jobId":  {DataType: aws.String("String"), StringValue: aws.String(event.JobID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish job status: %w", err)
	}

	n.logger.Debug("job status published", map[string]interface{}{
		"jobId":     event.JobID,
		"status":    event.Status,
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}
