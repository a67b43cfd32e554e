// README: Kafka publisher for settled billing records.
package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher streams settled billing records to downstream invoicing
// consumers. It is optional at runtime; a nil Publisher is a no-op, and a
// publish failure is logged but never affects the settlement it describes.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Publisher{writer: w, logger: logger}
}

type recordEvent struct {
	RecordID    string    `json:"record_id"`
	SessionID   string    `json:"session_id"`
	MerchantID  string    `json:"merchant_id"`
	DriverID    string    `json:"driver_id"`
	TotalCents  int64     `json:"total_cents"`
	Currency    string    `json:"currency"`
	TotalSource string    `json:"total_source"`
	FeeBps      int64     `json:"fee_bps"`
	BilledCents int64     `json:"billed_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

func (p *Publisher) PublishRecord(r *Record) {
	if p == nil || r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b, _ := json.Marshal(recordEvent{
		RecordID:    string(r.ID),
		SessionID:   string(r.SessionID),
		MerchantID:  string(r.MerchantID),
		DriverID:    string(r.DriverID),
		TotalCents:  r.OrderTotal.Amount,
		Currency:    r.OrderTotal.Currency,
		TotalSource: string(r.TotalSource),
		FeeBps:      r.FeeBps,
		BilledCents: r.Billable.Amount,
		CreatedAt:   r.CreatedAt,
	})
	err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.SessionID), Value: b})
	if err != nil {
		p.logger.Warn("billing event publish failed", "collaborator", "kafka", "operation", "publish_record", "session_id", r.SessionID, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
