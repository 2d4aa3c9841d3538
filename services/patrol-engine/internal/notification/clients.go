package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/segmentio/kafka-go"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/shared/models"
)

// Message is a rendered notification ready for a transport.
type Message struct {
	Notification *models.Notification
	Incident     *models.Incident
	Subject      string
	Body         string
}

// Transport delivers escalation messages over one channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Patrol-Signature"

// EscalationPayload is the JSON document sent to webhooks and the stream.
type EscalationPayload struct {
	NotificationID string    `json:"notification_id"`
	IncidentID     string    `json:"incident_id"`
	PropertyID     string    `json:"property_id,omitempty"`
	Severity       string    `json:"severity"`
	Level          int       `json:"escalation_level"`
	Status         string    `json:"status,omitempty"`
	Subject        string    `json:"subject"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

func payloadFor(msg *Message) EscalationPayload {
	p := EscalationPayload{
		NotificationID: msg.Notification.ID,
		IncidentID:     msg.Notification.IncidentID,
		Severity:       string(msg.Notification.Severity),
		Level:          msg.Notification.Level,
		Subject:        msg.Subject,
		Message:        msg.Body,
		CreatedAt:      msg.Notification.CreatedAt,
	}
	if msg.Incident != nil {
		p.PropertyID = msg.Incident.PropertyID
		p.Status = string(msg.Incident.Status)
	}
	return p
}

// WebhookClient posts escalations to a dispatch endpoint
type WebhookClient struct {
	config config.WebhookConfig
	client *resty.Client
	logger *zap.Logger
}

func NewWebhookClient(cfg config.WebhookConfig, timeout time.Duration, logger *zap.Logger) *WebhookClient {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "AegisShield-PatrolEngine/1.0").
		SetHeaders(cfg.Headers)
	return &WebhookClient{config: cfg, client: client, logger: logger}
}

func (w *WebhookClient) Name() string { return "webhook" }

func (w *WebhookClient) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(payloadFor(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req := w.client.R().SetContext(ctx).SetBody(body)
	if w.config.SigningSecret != "" {
		req.SetHeader(SignatureHeader, Sign(w.config.SigningSecret, body))
	}

	resp, err := req.Post(w.config.URL)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	w.logger.Debug("Webhook sent successfully",
		zap.String("notification_id", msg.Notification.ID),
		zap.Int("status_code", resp.StatusCode()))
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// EmailClient sends escalations through SendGrid
type EmailClient struct {
	config config.EmailConfig
	client *sendgrid.Client
	logger *zap.Logger
}

func NewEmailClient(cfg config.EmailConfig, logger *zap.Logger) *EmailClient {
	return &EmailClient{config: cfg, client: sendgrid.NewSendClient(cfg.SendGridAPIKey), logger: logger}
}

func (e *EmailClient) Name() string { return "email" }

func (e *EmailClient) Send(ctx context.Context, msg *Message) error {
	from := mail.NewEmail(e.config.FromName, e.config.FromAddress)
	for _, recipient := range e.config.Recipients {
		to := mail.NewEmail("", recipient)
		message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")

		response, err := e.client.SendWithContext(ctx, message)
		if err != nil {
			return fmt.Errorf("failed to send email via SendGrid: %w", err)
		}
		if response.StatusCode >= 300 {
			return fmt.Errorf("sendgrid returned status %d for %s", response.StatusCode, recipient)
		}
	}
	return nil
}

// SMSClient texts escalations at or above a minimum severity through Twilio
type SMSClient struct {
	config config.SMSConfig
	client *twilio.RestClient
	logger *zap.Logger
}

func NewSMSClient(cfg config.SMSConfig, logger *zap.Logger) *SMSClient {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioSID,
		Password: cfg.TwilioToken,
	})
	return &SMSClient{config: cfg, client: client, logger: logger}
}

func (s *SMSClient) Name() string { return "sms" }

func (s *SMSClient) Send(ctx context.Context, msg *Message) error {
	if severityRank(msg.Notification.Severity) < severityRank(models.Severity(s.config.MinSeverity)) {
		return nil
	}
	for _, recipient := range s.config.Recipients {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(recipient)
		params.SetFrom(s.config.FromNumber)
		params.SetBody(msg.Subject)

		resp, err := s.client.Api.CreateMessage(params)
		if err != nil {
			return fmt.Errorf("failed to send SMS via Twilio: %w", err)
		}
		if resp.Sid != nil {
			s.logger.Debug("SMS queued", zap.String("sid", *resp.Sid), zap.String("notification_id", msg.Notification.ID))
		}
	}
	return nil
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return 1
	case models.SeverityMedium:
		return 2
	case models.SeverityHigh:
		return 3
	case models.SeverityCritical:
		return 4
	}
	return 0
}

// MessageWriter is the subset of *kafka.Writer used by StreamClient.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StreamClient publishes escalations to the incident escalation topic
type StreamClient struct {
	writer MessageWriter
	logger *zap.Logger
}

func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.IncidentEscalated,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

func NewStreamClient(writer MessageWriter, logger *zap.Logger) *StreamClient {
	return &StreamClient{writer: writer, logger: logger}
}

func (s *StreamClient) Name() string { return "stream" }

func (s *StreamClient) Send(ctx context.Context, msg *Message) error {
	value, err := json.Marshal(payloadFor(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal escalation event: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Notification.IncidentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "notification_id", Value: []byte(msg.Notification.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish escalation event: %w", err)
	}
	return nil
}

func (s *StreamClient) Close() error {
	return s.writer.Close()
}
