package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
)

// Recipient selects the notification audience.
type Recipient string

const (
	RecipientUser  Recipient = "user"
	RecipientAdmin Recipient = "admin"
)

// Notification kinds. The email worker consuming the notify stream maps each
// kind to a template.
const (
	KindDepositCreated        = "deposit_created"
	KindDepositProofSubmitted = "deposit_proof_submitted"
	KindDepositCompleted      = "deposit_completed"
	KindDepositRejected       = "deposit_rejected"
	KindDepositExpired        = "deposit_expired"
	KindWithdrawalCreated     = "withdrawal_created"
	KindWithdrawalCompleted   = "withdrawal_completed"
	KindWithdrawalRejected    = "withdrawal_rejected"
)

// Event is one notification to be delivered out-of-band. Admin events carry
// signed action links in the payload.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Kind      string         `json:"kind"`
	Recipient Recipient      `json:"recipient"`
	UserID    uuid.UUID      `json:"user_id"`
	RecordID  uuid.UUID      `json:"record_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier dispatches a notification event. Dispatch is best-effort: it must
// never fail or roll back the state transition that produced it.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// NATSNotifier publishes notification events to JetStream for the email
// worker. Subjects follow the pattern saldo.notify.{recipient}.{kind}.
type NATSNotifier struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewNATSNotifier(js jetstream.JetStream, metrics *observability.Metrics) *NATSNotifier {
	return &NATSNotifier{
		js:      js,
		log:     observability.NewLogger("notify"),
		metrics: metrics,
	}
}

// Notify publishes the event. Failures are logged and counted, never returned:
// the owning transition has already committed.
func (n *NATSNotifier) Notify(ctx context.Context, evt Event) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		n.fail(evt, err)
		return
	}

	subject := fmt.Sprintf("saldo.notify.%s.%s", evt.Recipient, evt.Kind)
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		n.fail(evt, err)
		return
	}

	if n.metrics != nil {
		n.metrics.NotifyPublished.WithLabelValues(string(evt.Recipient), evt.Kind).Inc()
	}
}

func (n *NATSNotifier) fail(evt Event, err error) {
	n.log.Warn().
		Err(err).
		Str("kind", evt.Kind).
		Str("recipient", string(evt.Recipient)).
		Str("record_id", evt.RecordID.String()).
		Msg("notification publish failed")
	if n.metrics != nil {
		n.metrics.NotifyPublishFailure.WithLabelValues(string(evt.Recipient), evt.Kind).Inc()
	}
}

// ConnectNATS dials NATS with unlimited reconnects and returns a JetStream
// context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureNotifyStream creates the notification stream consumed by the email
// worker.
func EnsureNotifyStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SALDO_NOTIFY",
		Subjects:  []string{"saldo.notify.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create notify stream: %w", err)
	}
	return nil
}

// Nop discards every event. Used in tests and by the migrate CLI.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
