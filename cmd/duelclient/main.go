// Package main provides the headless duel client binary: it opens the
// presence channel, reports roster and offer activity, and plays matches
// created via matchmaking, a direct challenge, or accepted offers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/app"
	"github.com/libgame/duelclient/internal/config"
	"github.com/libgame/duelclient/internal/health"
	"github.com/libgame/duelclient/internal/match"
	"github.com/libgame/duelclient/internal/observability"
	"github.com/libgame/duelclient/internal/presence"
	"github.com/libgame/duelclient/internal/rest"
	"github.com/libgame/duelclient/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to configuration file")
	selfID := flag.Int64("self", 0, "local player's user id")
	matchID := flag.Int64("match", 0, "join an existing match by id")
	subjectID := flag.Int64("subject", 0, "subject id for matchmaking or a challenge")
	bookID := flag.Int64("book", 0, "book id for matchmaking or a challenge")
	opponentID := flag.Int64("opponent", 0, "challenge this user directly instead of matchmaking")
	answer := flag.String("answer", "", "submit this option for every question (a-d); empty = never answer")
	acceptOffers := flag.Bool("accept-offers", false, "accept incoming offers and play the resulting matches")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	client := rest.NewClient(cfg.API, logger)

	token, err := client.ChannelToken(ctx)
	if err != nil {
		logger.Fatal("fetching channel token", zap.Error(err))
	}

	tracker := health.NewTracker()
	tracker.SetOnline(true)
	tracker.Watch(func(s health.Snapshot) {
		for kind, status := range s.Channels {
			logger.Info("channel status",
				zap.String("channel", kind),
				zap.String("status", string(status)))
		}
	})

	registry := transport.NewRegistry(logger)
	factory := func(kind transport.ChannelKind, key string) transport.Factory {
		return func() *transport.Transport {
			return transport.New(transport.Options{
				BaseURL:              cfg.WS.BaseURL,
				Kind:                 kind,
				Key:                  key,
				Token:                token,
				KeepaliveInterval:    cfg.WS.KeepaliveInterval,
				ReconnectBaseDelay:   cfg.WS.ReconnectBaseDelay,
				MaxReconnectAttempts: cfg.WS.MaxReconnectAttempts,
				Logger:               observability.ChannelLogger(logger, string(kind), key),
				Health:               tracker,
			})
		}
	}

	// Matches to play arrive here from flags or accepted offers.
	matches := make(chan int64, 4)
	oneShot := false

	switch {
	case *matchID > 0:
		matches <- *matchID
		oneShot = true
	case *opponentID > 0 && *bookID > 0:
		m, err := client.Challenge(ctx, *opponentID, *subjectID, *bookID)
		if err != nil {
			logger.Fatal("creating challenge", zap.Error(err))
		}
		logger.Info("challenge created", zap.Int64("match_id", m.ID))
		matches <- m.ID
		oneShot = true
	case *bookID > 0:
		m, err := client.FindMatch(ctx, *subjectID, *bookID)
		if err != nil {
			logger.Fatal("finding match", zap.Error(err))
		}
		logger.Info("match found", zap.Int64("match_id", m.ID))
		matches <- m.ID
		oneShot = true
	}

	presenceCtrl := presence.NewController(presence.Options{
		SessionKey: token,
		Registry:   registry,
		Factory:    factory(transport.KindPresence, token),
		Config:     cfg.Presence,
		Logger:     logger,
		OnAccepted: func(id int64) {
			logger.Info("offer accepted, joining match", zap.Int64("match_id", id))
			select {
			case matches <- id:
			default:
				logger.Warn("match queue full, dropping", zap.Int64("match_id", id))
			}
		},
	})

	lc := app.NewLifecycle(logger)
	lc.Add("presence", &app.FuncService{
		StartFn: func(ctx context.Context) error {
			if err := presenceCtrl.Start(ctx); err != nil {
				return err
			}
			go watchPresence(ctx, presenceCtrl, logger, *acceptOffers)
			<-ctx.Done()
			return nil
		},
		StopFn: presenceCtrl.Stop,
	})
	lc.Add("duels", &app.FuncService{
		StartFn: func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-matches:
					if err := playMatch(ctx, id, *selfID, *answer, registry, factory, client, cfg.Match, logger); err != nil {
						logger.Error("match ended with error",
							zap.Int64("match_id", id), zap.Error(err))
					}
					if oneShot {
						return nil
					}
				}
			}
		},
		StopFn: func() {},
	})

	if err := lc.Run(ctx); err != nil {
		logger.Fatal("client exited", zap.Error(err))
	}
}

// watchPresence logs roster and offer changes and optionally accepts every
// incoming offer.
func watchPresence(ctx context.Context, ctrl *presence.Controller, logger *zap.Logger, accept bool) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	lastRoster, lastOffers := -1, -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			roster := ctrl.Roster()
			offers := ctrl.Offers()
			if len(roster) != lastRoster {
				lastRoster = len(roster)
				names := make([]string, 0, len(roster))
				for _, u := range roster {
					names = append(names, u.DisplayName())
				}
				logger.Info("online users", zap.Strings("users", names))
			}
			if len(offers) != lastOffers {
				lastOffers = len(offers)
				for _, o := range offers {
					logger.Info("pending offer",
						zap.String("kind", string(o.Kind)),
						zap.Int64("match_id", o.MatchID),
						zap.String("from", o.Player.DisplayName()),
						zap.Int("expires_in", o.Remaining))
					if accept {
						ctrl.Accept(o.Kind, o.MatchID)
					}
				}
			}
		}
	}
}

// playMatch runs one match controller to completion.
func playMatch(
	ctx context.Context,
	matchID, selfID int64,
	answer string,
	registry *transport.Registry,
	factory func(transport.ChannelKind, string) transport.Factory,
	client *rest.Client,
	cfg config.MatchConfig,
	logger *zap.Logger,
) error {
	done := make(chan match.FinalScore, 1)
	ctrl := match.NewController(match.Options{
		MatchID:  matchID,
		SelfID:   selfID,
		Registry: registry,
		Factory:  factory(transport.KindDuel, fmt.Sprintf("%d", matchID)),
		Fetcher:  client,
		Config:   cfg,
		Logger:   logger,
		OnFinal:  func(fs match.FinalScore) { done <- fs },
	})
	defer ctrl.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	ctrl.Ready()

	if answer != "" {
		go autoAnswer(ctx, ctrl, answer)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case fs := <-done:
		logger.Info("final score",
			zap.Int("player1", fs.Player1),
			zap.Int("player2", fs.Player2),
			zap.Int64p("winner_id", fs.WinnerID))
		return nil
	}
}

// autoAnswer submits the configured option whenever a new question is live.
func autoAnswer(ctx context.Context, ctrl *match.Controller, option string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ctrl.Snapshot()
			if s.Phase == match.PhaseFinished {
				return
			}
			if s.Phase == match.PhaseInQuestion && s.Question != nil && s.SelectedAnswer == "" {
				_ = ctrl.Answer(option)
			}
		}
	}
}
