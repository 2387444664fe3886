package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"gestion-affaires/internal/core"
	"gestion-affaires/internal/db"
	"gestion-affaires/internal/notify"
	"gestion-affaires/internal/web"
)

func main() {
	_ = godotenv.Load()

	log := newLogger()
	log.Info().Msg("starting gestion-affaires")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer pool.Close()
	log.Info().Msg("database connection established")

	publisher := newPublisher(log)
	defer publisher.Close()

	audit := core.NewAuditService(pool)
	cascade := core.NewCascadeService(pool, audit, log)
	offres := core.NewOffreService(pool, audit, cascade, log)
	relances := core.NewRelanceService(pool)

	handler := web.NewHandler(web.Services{
		Opportunites: core.NewOpportuniteService(pool, audit, offres, log),
		Offres:       offres,
		Proformas:    core.NewProformaService(pool, audit, log),
		Affaires:     core.NewAffaireService(pool, audit, cascade, log),
		Rapports:     core.NewRapportService(pool, audit, log),
		Formations:   core.NewFormationService(pool, audit, log),
		Factures:     core.NewFactureService(pool, audit, log),
		Courriers:    core.NewCourrierService(pool, audit, log),
		Relances:     relances,
		Reporting:    core.NewReportingService(pool),
		Audit:        audit,
	}, log)

	interval := 15 * time.Minute
	if raw := os.Getenv("RELANCE_POLL_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatal().Str("value", raw).Msg("invalid RELANCE_POLL_INTERVAL")
		}
		interval = d
	}
	go pollRelances(ctx, relances, publisher, interval, log)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{Addr: ":" + port, Handler: handler}

	go func() {
		log.Info().Str("port", port).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

// pollRelances periodically publishes an event for every due follow-up.
// Consumers deduplicate on reference + due date; re-publishing an unhandled
// reminder on the next tick is intentional.
func pollRelances(ctx context.Context, relances core.RelanceService, publisher notify.Publisher, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := relances.ListDue(ctx, time.Now().UTC())
		if err != nil {
			log.Error().Err(err).Msg("relance poll failed")
			continue
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
		if len(due) > 0 {
			log.Info().Int("count", len(due)).Msg("relance events published")
		}
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func newPublisher(log zerolog.Logger) notify.Publisher {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		log.Info().Msg("NATS_URL not set, relance events go to the log")
		return notify.NewLogPublisher(log)
	}
	publisher, err := notify.NewNATSPublisher(natsURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("NATS connection failed")
	}
	return publisher
}
