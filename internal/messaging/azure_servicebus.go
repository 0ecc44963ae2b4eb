package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MessageHandler processes the body of one received message
type MessageHandler func(ctx context.Context, body []byte) error

// AlertPublisher publishes raised alerts to downstream consumers
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert models.Alert) error
}

// ServiceBus consumes telemetry snapshots from a queue and publishes alerts
// to a topic
type ServiceBus struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	queueName  string
	alertTopic string
	batchSize  int
}

// NewServiceBus creates a new Azure Service Bus client
func NewServiceBus(cfg config.AzureConfig) (*ServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	bus := &ServiceBus{
		client:     client,
		queueName:  cfg.QueueName,
		alertTopic: cfg.AlertTopic,
		batchSize:  cfg.BatchSize,
	}
	if bus.batchSize <= 0 {
		bus.batchSize = 10
	}

	if cfg.AlertTopic != "" {
		sender, err := client.NewSender(cfg.AlertTopic, nil)
		if err != nil {
			client.Close(context.Background())
			return nil, errors.Wrap(err, "failed to create Service Bus sender")
		}
		bus.sender = sender
	}

	return bus, nil
}

// PublishAlert sends an alert to the alert topic
func (s *ServiceBus) PublishAlert(ctx context.Context, alert models.Alert) error {
	if s.sender == nil {
		return errors.New("alert topic is not configured")
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}

	messageID := alert.ID.String()
	contentType := "application/json"
	msg := &azservicebus.Message{
		MessageID:   &messageID,
		ContentType: &contentType,
		Body:        data,
		ApplicationProperties: map[string]interface{}{
			"source":    "telemetry-service",
			"device_id": alert.DeviceID,
			"severity":  string(alert.Severity),
			"time":      time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send alert")
	}
	return nil
}

// ProcessMessages receives snapshot messages until ctx is cancelled.
// Messages the handler rejects as invalid are dead-lettered; other failures
// are abandoned so the queue redelivers them.
func (s *ServiceBus) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", s.queueName).Msg("Error closing receiver")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, s.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, message := range messages {
			s.settle(ctx, receiver, message, handler(ctx, message.Body))
		}
	}
}

func (s *ServiceBus) settle(ctx context.Context, receiver *azservicebus.Receiver, message *azservicebus.ReceivedMessage, handlerErr error) {
	logger := log.With().Str("message_id", message.MessageID).Str("queue", s.queueName).Logger()

	var err error
	switch Disposition(handlerErr) {
	case Complete:
		err = receiver.CompleteMessage(ctx, message, nil)
	case DeadLetter:
		logger.Warn().Err(handlerErr).Msg("Dead-lettering invalid message")
		reason := "InvalidPayload"
		description := handlerErr.Error()
		err = receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		})
	default:
		logger.Error().Err(handlerErr).Msg("Error processing message")
		err = receiver.AbandonMessage(ctx, message, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to settle message")
	}
}

// Settlement outcomes for a processed message
const (
	Complete = iota
	DeadLetter
	Abandon
)

// Disposition decides how a message is settled given the handler result
func Disposition(err error) int {
	switch {
	case err == nil:
		return Complete
	case errors.Is(err, models.ErrInvalidPayload):
		return DeadLetter
	default:
		return Abandon
	}
}

// Close closes the sender and the client
func (s *ServiceBus) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}
