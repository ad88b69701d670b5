package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"guest-presence/internal/client"
	"guest-presence/internal/consumer"
	"guest-presence/internal/producer"

	"github.com/rs/zerolog/log"
)

// runAgent replays a recorded track as one device until interrupted or the
// track runs out
func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	source := fs.String("source", "", "JSON-lines track to replay (overrides agent.source_file)")
	loop := fs.Bool("loop", false, "restart the track when it ends")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	if *source != "" {
		cfg.Agent.SourceFile = *source
	}
	if *loop {
		cfg.Agent.Loop = true
	}
	if cfg.Agent.ServerURL == "" || cfg.Agent.Token == "" || cfg.Agent.SourceFile == "" {
		return errors.New("agent needs agent.server_url, agent.token and a source file")
	}

	userID, err := client.TokenUserID(cfg.Agent.Token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := producer.New(producer.NewReplaySource(cfg.Agent.SourceFile, cfg.Agent.ReplayInterval, cfg.Agent.Loop))
	tracker := producer.NewTracker(p, client.New(cfg.Agent.ServerURL, cfg.Agent.Token), userID,
		producer.WithDeactivateOnStop(cfg.Presence.DeactivateOnStop),
	)

	err = tracker.Run(ctx)
	if producer.IsProducerError(err) {
		// a watch failure needs the operator to start the agent again
		return fmt.Errorf("location watch ended: %w", err)
	}
	return err
}

// runWatch follows a server's presence map the way an operator console
// would, logging the marker view on every poll interval
func runWatch(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("watch", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	if cfg.Agent.ServerURL == "" || cfg.Agent.Token == "" {
		return errors.New("watch needs agent.server_url and an operator agent.token")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, err := client.NewStream(cfg.Agent.ServerURL, cfg.Agent.Token, cfg.Presence.SubscriberBuffer)
	if err != nil {
		return err
	}
	go func() {
		if err := stream.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Presence stream stopped")
		}
	}()

	view := consumer.New(client.New(cfg.Agent.ServerURL, cfg.Agent.Token), stream,
		consumer.WithPollInterval(cfg.Presence.PollInterval),
		consumer.WithStaleAfter(cfg.Presence.StaleAfter),
	)
	if err := view.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial presence snapshot failed")
	}
	defer view.Close()

	ticker := time.NewTicker(cfg.Presence.PollInterval)
	defer ticker.Stop()

	for {
		logView(view.CurrentView())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func logView(markers []consumer.Marker) {
	stale := 0
	for _, m := range markers {
		if m.Stale {
			stale++
		}
		label := ""
		if m.Label != nil {
			label = *m.Label
		}
		log.Info().
			Str("user_id", m.UserID).
			Str("label", label).
			Float64("lat", m.Latitude).
			Float64("lng", m.Longitude).
			Str("geohash", m.Geohash).
			Str("age", m.Age).
			Bool("stale", m.Stale).
			Msg("Marker")
	}
	log.Info().Int("markers", len(markers)).Int("stale", stale).Msg("Presence map")
}
