// Package notify publishes follow-up reminder events to NATS so external
// channels (mail, chat) can pick them up. Publishing is fire-and-forget:
// errors are logged but never propagated, so a broker outage never blocks a
// pipeline operation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject convention: relances.<entity_type>, e.g. relances.opportunite.
const subjectPrefix = "relances"

// RelanceEvent is the JSON schema published for one due follow-up.
type RelanceEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"` // always RELANCE_REQUISE
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	Reference  string    `json:"reference"`
	ClientNom  string    `json:"client_nom"`
	Statut     string    `json:"statut"`
	Montant    string    `json:"montant"`
	DueDate    time.Time `json:"due_date"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Publisher emits relance events. Implementations must never return publish
// failures to the caller.
type Publisher interface {
	PublishRelanceRequise(ctx context.Context, event RelanceEvent)
	Close()
}

// ── NATS publisher ───────────────────────────────────────────────────────────

type natsPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATSPublisher connects to the broker at url. Connection failure is a
// startup error; publish failures afterwards are only logged.
func NewNATSPublisher(url string, log zerolog.Logger) (Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("gestion-affaires"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &natsPublisher{
		conn: conn,
		log:  log.With().Str("component", "nats-publisher").Logger(),
	}, nil
}

func (p *natsPublisher) PublishRelanceRequise(_ context.Context, event RelanceEvent) {
	event = withDefaults(event)

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("reference", event.Reference).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, event.EntityType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("reference", event.Reference).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("reference", event.Reference).
		Msg("notification: event published")
}

func (p *natsPublisher) Close() {
	p.conn.Drain()
}

// ── Log publisher ────────────────────────────────────────────────────────────

// logPublisher is the fallback when no broker is configured: events land in
// the structured log instead of on the wire.
type logPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) Publisher {
	return &logPublisher{log: log.With().Str("component", "log-publisher").Logger()}
}

func (p *logPublisher) PublishRelanceRequise(_ context.Context, event RelanceEvent) {
	event = withDefaults(event)
	p.log.Info().
		Str("event_id", event.EventID).
		Str("entity_type", event.EntityType).
		Str("reference", event.Reference).
		Str("client", event.ClientNom).
		Str("statut", event.Statut).
		Time("due_date", event.DueDate).
		Msg("relance requise")
}

func (p *logPublisher) Close() {}

func withDefaults(event RelanceEvent) RelanceEvent {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventType == "" {
		event.EventType = "RELANCE_REQUISE"
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	return event
}
