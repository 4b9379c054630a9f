package processing

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"code.cloudfoundry.org/lager"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// ScanCreator is the lifecycle dependency used by the handler.
type ScanCreator interface {
	CreateScan(ctx context.Context, in storage.ScanCreate) (*storage.Scan, error)
}

// DLQPublisher publishes rejected messages to a dead-letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message, reason string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If the
// topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish sends the message to the DLQ topic. If topic is nil, it is a no-op.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	if p.topic == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attempt := 0
	if msg.DeliveryAttempt != nil {
		attempt = *msg.DeliveryAttempt
	}
	_, err := p.topic.Publish(ctx, &pubsub.Message{
		Data: msg.Data,
		Attributes: map[string]string{
			"reason":           reason,
			"orig_msg_id":      msg.ID,
			"delivery_attempt": strconv.Itoa(attempt),
		},
	}).Get(ctx)
	return err
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	return nil
}

// HandleMessage creates a scan from a Pub/Sub message and returns true if it
// should be acked (even when sent to DLQ) or false to Nack (for retriable
// errors).
func HandleMessage(ctx context.Context, logger lager.Logger, creator ScanCreator, dlq DLQPublisher, msg *pubsub.Message) bool {
	if dlq == nil {
		dlq = &NoopDLQPublisher{}
	}
	logger = logger.Session("handle-message", lager.Data{"msg-id": msg.ID})

	deadLetter := func(reason string, cause error) bool {
		logger.Info("pushing-message-to-dlq", lager.Data{"reason": reason, "cause": cause.Error()})
		if err := dlq.Publish(ctx, msg, reason); err != nil {
			logger.Error("failed-to-publish-to-dlq", err)
			return false
		}
		return true
	}

	in, err := ParseScanMessage(msg.Data)
	if err != nil {
		return deadLetter(ReasonValidation, err)
	}

	scan, err := creator.CreateScan(ctx, in)
	if err != nil {
		if reason := dlqReason(err); reason != "" {
			return deadLetter(reason, err)
		}
		logger.Error("failed-to-create-scan", err, lager.Data{"repository-id": in.RepositoryID})
		return false
	}

	logger.Debug("scan-created", lager.Data{"scan-id": scan.ID})
	return true
}
