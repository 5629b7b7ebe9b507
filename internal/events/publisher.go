package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// Publisher delivers appointment events downstream.
type Publisher interface {
	PublishAppointmentBooked(ctx context.Context, evt AppointmentBookedV1) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends event envelopes to an SQS queue.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
	logger   *logging.Logger
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client sqsAPI, queueURL string, logger *logging.Logger) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// PublishAppointmentBooked implements Publisher.
func (p *SQSPublisher) PublishAppointmentBooked(ctx context.Context, evt AppointmentBookedV1) error {
	env, err := NewEnvelope("call:"+evt.CallID, evt.CallID, evt)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(env.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: failed to send SQS message: %w", err)
	}
	p.logger.Debug("appointment event published", "event_id", env.EventID.String(), "call_id", evt.CallID)
	return nil
}

// LogPublisher records events in the log when no queue is configured.
type LogPublisher struct {
	logger *logging.Logger
}

func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogPublisher{logger: logger}
}

// PublishAppointmentBooked implements Publisher.
func (p *LogPublisher) PublishAppointmentBooked(_ context.Context, evt AppointmentBookedV1) error {
	p.logger.Info("appointment booked",
		"call_id", evt.CallID,
		"appointment_id", evt.AppointmentID,
		"physician_id", evt.PhysicianID,
		"start", evt.Start,
	)
	return nil
}
