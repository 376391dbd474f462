// Package ingest feeds transactions from an SQS queue into the scoring
// pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/kshalu/fraudscope/internal/config"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// QueueConsumer is the slice of SQS the consumer needs.
type QueueConsumer interface {
	ReceiveMessages(ctx context.Context, input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error)
	QueueURL() string
}

// Client is an SQS client bound to one queue.
type Client struct {
	client   *sqs.Client
	queueURL string
	logger   *slog.Logger
}

// NewClient builds a client from cfg. When cfg.Endpoint is set (LocalStack,
// ElasticMQ) static credentials are used, falling back to dummy ones.
func NewClient(ctx context.Context, cfg config.SQSConfig, logger *slog.Logger) (*Client, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs: queue url required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	var clientOpts []func(*sqs.Options)

	if cfg.Endpoint != "" {
		key, secret := cfg.AccessKeyID, cfg.SecretAccessKey
		if key == "" {
			key, secret = "dummy", "dummy"
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, "")))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
		logger.Info("using custom sqs endpoint", "endpoint", cfg.Endpoint)
	} else if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}

	logger.Info("sqs client created", "region", cfg.Region, "queue_url", cfg.QueueURL)
	return &Client{
		client:   sqs.NewFromConfig(awsCfg, clientOpts...),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

func (c *Client) ReceiveMessages(ctx context.Context, input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	return c.client.ReceiveMessage(ctx, input)
}

func (c *Client) DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
	return c.client.DeleteMessage(ctx, input)
}

func (c *Client) QueueURL() string { return c.queueURL }

// Ping checks the queue is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// SendTransaction enqueues tx. The account id is carried as a message
// attribute so FIFO queues can group by it.
func (c *Client) SendTransaction(ctx context.Context, tx *transaction.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("sqs: encode transaction %s: %w", tx.ID, err)
	}
	_, err = c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AccountId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(tx.AccountID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs: send transaction %s: %w", tx.ID, err)
	}
	return nil
}

var _ QueueConsumer = (*Client)(nil)
