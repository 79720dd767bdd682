// Command streamwarden is the main entrypoint for the chat moderation
// service and streaming-account detection workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the platform chat adapters (Twitch, Discord, YouTube, Kick)
//     that feed the moderation coordinator.
//   - Runs the periodic streaming-account detection scheduler.
//   - Exposes an HTTP server with /healthz, /status, /metrics, the dashboard
//     API, and the live WebSocket feed.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/streamwarden/classifier"
	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/db"
	"github.com/onnwee/streamwarden/detect"
	"github.com/onnwee/streamwarden/moderation"
	"github.com/onnwee/streamwarden/platform/discord"
	"github.com/onnwee/streamwarden/platform/kick"
	"github.com/onnwee/streamwarden/platform/twitch"
	"github.com/onnwee/streamwarden/platform/youtube"
	"github.com/onnwee/streamwarden/realtime"
	"github.com/onnwee/streamwarden/server"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwarden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live dashboard feed
	hub := realtime.NewHub()
	go hub.Run(ctx)

	// Rule evaluator, with the toxicity classifier if configured
	evalOpts := []moderation.EvaluatorOption{
		moderation.WithSpamPolicy(moderation.SpamPolicy{
			Window:          cfg.SpamWindow,
			MaxMessages:     cfg.SpamMaxMessages,
			RepeatThreshold: cfg.SpamRepeats,
		}),
	}
	if cfg.OpenAIAPIKey != "" {
		cls := classifier.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		evalOpts = append(evalOpts, moderation.WithClassifier(cls, cfg.ClassifierTimeout))
		slog.Info("toxicity classifier enabled")
	} else {
		slog.Info("toxicity classifier disabled (no OPENAI_API_KEY); toxic rules stay inactive")
	}
	eval := moderation.NewEvaluator(evalOpts...)

	coord := moderation.NewCoordinator(store, eval, store,
		moderation.WithCooldown(cfg.ModCooldown),
		moderation.WithTimeoutDuration(cfg.TimeoutDuration),
		moderation.WithBroadcaster(hub),
	)

	// Platform adapters: missing credentials disable an adapter, never the service
	if cfg.TwitchReady() {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		tw := twitch.NewAdapter(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannels, helix, coord)
		coord.RegisterActioner(moderation.PlatformTwitch, tw)
		go func() {
			if err := tw.Start(ctx); err != nil {
				slog.Error("twitch adapter exited", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("twitch adapter disabled (missing credentials)")
	}

	var sched *detect.Scheduler
	if cfg.DiscordReady() {
		dc := discord.NewAdapter(cfg.DiscordToken, cfg.DiscordModRoleIDs, coord)
		coord.RegisterActioner(moderation.PlatformDiscord, dc)
		coord.RegisterExempter(moderation.PlatformDiscord, dc)
		go func() {
			if err := dc.Start(ctx); err != nil {
				slog.Error("discord adapter exited", slog.Any("err", err))
			}
		}()
		// detection needs guild presences, which only Discord provides
		det := detect.NewDetector(dc, store)
		sched = detect.NewScheduler(det, store, cfg.DetectTick)
		go sched.Start(ctx)
	} else {
		slog.Info("discord adapter disabled (no DISCORD_TOKEN); streamer detection inactive")
	}

	if cfg.YouTubeReady() {
		svc, err := yt.NewService(ctx, option.WithAPIKey(cfg.YTAPIKey))
		if err != nil {
			slog.Error("youtube service init failed", slog.Any("err", err))
		} else {
			ya := youtube.NewAdapter(svc, cfg.YTLiveChatID, cfg.YTTenantID, coord)
			coord.RegisterActioner(moderation.PlatformYouTube, ya)
			coord.RegisterExempter(moderation.PlatformYouTube, ya)
			go func() {
				if err := ya.Start(ctx); err != nil {
					slog.Error("youtube adapter exited", slog.Any("err", err))
				}
			}()
		}
	} else {
		slog.Info("youtube adapter disabled (missing API key or live chat id)")
	}

	if cfg.KickReady() {
		ka := kick.NewAdapter(cfg.KickChatrooms, coord)
		coord.RegisterActioner(moderation.PlatformKick, ka)
		go func() {
			if err := ka.Start(ctx); err != nil {
				slog.Error("kick adapter exited", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("kick adapter disabled (no chatrooms configured)")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/dashboard API)
	go func() {
		deps := server.Deps{DB: database, Store: store, Hub: hub}
		if sched != nil {
			deps.Sched = sched
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
