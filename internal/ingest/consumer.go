package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// Scorer runs one transaction through the pipeline.
type Scorer interface {
	Score(ctx context.Context, tx *transaction.Transaction) (*pipeline.Result, error)
}

// Outcome of handling one message.
type Outcome string

const (
	// Decided: a decision was committed (or already existed). Deleted.
	Decided Outcome = "decided"
	// Rejected: the transaction can never be scored. Deleted.
	Rejected Outcome = "rejected"
	// Malformed: the body is not a transaction. Deleted.
	Malformed Outcome = "malformed"
	// Retry: left on the queue to reappear after the visibility timeout.
	Retry Outcome = "retry"
)

type ConsumerConfig struct {
	Workers     int
	MaxMessages int32
	WaitTime    time.Duration
	// VisibilityTimeout hides received messages for this long. Zero uses
	// the queue's setting.
	VisibilityTimeout time.Duration
	// ReceiveBackoff is the pause after a failed receive.
	ReceiveBackoff time.Duration
}

// Consumer long-polls the queue and scores messages on a pool of workers.
// A message is deleted only once it needs no further processing, so a
// crash or an audit failure leads to redelivery rather than loss.
type Consumer struct {
	queue  QueueConsumer
	scorer Scorer
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(queue QueueConsumer, scorer Scorer, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:  queue,
		scorer: scorer,
		cfg:    cfg,
		logger: logger.With("component", "ingest"),
	}
}

// Run consumes until ctx is canceled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	msgs := make(chan types.Message, int(c.cfg.MaxMessages)*c.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(msgs)
		c.receive(gctx, msgs)
		return nil
	})
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for msg := range msgs {
				c.Handle(gctx, msg)
			}
			return nil
		})
	}

	c.logger.Info("consumer started", "workers", c.cfg.Workers, "queue_url", c.queue.QueueURL())
	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) receive(ctx context.Context, out chan<- types.Message) {
	for ctx.Err() == nil {
		res, err := c.queue.ReceiveMessages(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queue.QueueURL()),
			MaxNumberOfMessages: c.cfg.MaxMessages,
			WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
			VisibilityTimeout:   int32(c.cfg.VisibilityTimeout / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("receive messages", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ReceiveBackoff):
			}
			continue
		}

		for _, msg := range res.Messages {
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}
}

// Handle scores one message and deletes it when it is finished with.
func (c *Consumer) Handle(ctx context.Context, msg types.Message) Outcome {
	logger := c.logger.With("message_id", aws.ToString(msg.MessageId))

	outcome := c.process(ctx, logger, msg)
	metrics.IngestMessagesTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == Retry {
		return outcome
	}

	// Delete even if ctx is canceled: the decision is already committed.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.queue.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queue.QueueURL()),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		// Redelivery is harmless; the duplicate check returns the stored decision.
		logger.Warn("delete message", "error", err)
	}
	return outcome
}

func (c *Consumer) process(ctx context.Context, logger *slog.Logger, msg types.Message) Outcome {
	var tx transaction.Transaction
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &tx); err != nil {
		logger.Warn("malformed message", "error", err)
		return Malformed
	}

	ctx = logging.WithTransactionID(ctx, tx.ID)
	res, err := c.scorer.Score(ctx, &tx)
	if err != nil {
		kind := pipeline.KindOf(err)
		if kind == pipeline.KindInvalidTransaction {
			logger.Info("transaction rejected", "transaction_id", tx.ID, "error", err)
			return Rejected
		}
		logger.Warn("transaction left for redelivery", "transaction_id", tx.ID, "kind", kind, "error", err)
		return Retry
	}

	logger.Debug("transaction decided",
		"transaction_id", tx.ID,
		"outcome", res.Decision.Outcome,
		"duplicate", res.Duplicate,
	)
	return Decided
}
