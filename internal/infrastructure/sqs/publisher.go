package sqs_infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends order callbacks to an SQS queue looked up by name.
type Publisher struct {
	client    sqsAPI
	queueName string
	logger    *zap.Logger

	mu       sync.Mutex
	queueURL *string
}

func NewPublisher(ctx context.Context, region, queueName string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return newPublisher(sqs.NewFromConfig(cfg), queueName, logger), nil
}

func newPublisher(client sqsAPI, queueName string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, queueName: queueName, logger: logger}
}

func (p *Publisher) resolveQueueURL(ctx context.Context) (*string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queueURL != nil {
		return p.queueURL, nil
	}
	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(p.queueName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue url for %s: %w", p.queueName, err)
	}
	p.queueURL = out.QueueUrl
	return p.queueURL, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, payload []byte) error {
	qurl, err := p.resolveQueueURL(ctx)
	if err != nil {
		return err
	}
	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    qurl,
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"payment_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(key),
			},
		},
	})
	if err != nil {
		p.logger.Error("Could not send message to queue", zap.String("queue", p.queueName), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to send message to sqs: %w", err)
	}
	p.logger.Debug("Message sent to queue", zap.String("queue", p.queueName), zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

func (p *Publisher) Close() error { return nil }
