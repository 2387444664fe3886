// One-shot relance publisher, meant to run from cron. Lists every due
// follow-up and publishes one event each, then exits.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"gestion-affaires/internal/core"
	"gestion-affaires/internal/db"
	"gestion-affaires/internal/notify"
)

func main() {
	_ = godotenv.Load()

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer pool.Close()

	var publisher notify.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		publisher, err = notify.NewNATSPublisher(natsURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("NATS connection failed")
		}
	} else {
		publisher = notify.NewLogPublisher(log)
	}
	defer publisher.Close()

	due, err := core.NewRelanceService(pool).ListDue(ctx, time.Now().UTC())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list due relances")
	}

	for _, d := range due {
		publisher.PublishRelanceRequise(ctx, notify.RelanceEvent{
			EntityType: string(d.Kind),
			EntityID:   d.EntityID,
			Reference:  d.Reference,
			ClientNom:  d.ClientNom,
			Statut:     d.Statut,
			Montant:    d.Montant.String(),
			DueDate:    d.Relance,
		})
	}
	log.Info().Int("count", len(due)).Msg("relance run complete")
}
