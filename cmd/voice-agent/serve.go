package main

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/propvoice/voice-agent/internal/audio"
	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/call"
	"github.com/propvoice/voice-agent/internal/config"
	"github.com/propvoice/voice-agent/internal/gdrive"
	"github.com/propvoice/voice-agent/internal/intent"
	"github.com/propvoice/voice-agent/internal/llm"
	"github.com/propvoice/voice-agent/internal/server"
	"github.com/propvoice/voice-agent/internal/storage"
	"github.com/propvoice/voice-agent/internal/summary"
	"github.com/propvoice/voice-agent/internal/ultravox"
)

//go:embed static/*
var staticFiles embed.FS

const (
	speakerFrames    = 1024
	gdriveSyncPeriod = 5 * time.Minute
)

func newServeCmd(configPath *string) *cobra.Command {
	var noSpeaker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice agent web UI and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				log.Printf("warning: %s", w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, warnings, !noSpeaker)
		},
	}

	cmd.Flags().BoolVar(&noSpeaker, "no-speaker", false, "do not play agent audio locally")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, warnings []string, playAudio bool) error {
	log.Println("voice-agent: starting")

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	assets, err := staticAssets(cfg.StaticDir)
	if err != nil {
		return err
	}

	events := bus.New()
	hub := server.NewHub()
	unmirror := events.SubscribeAll(hub.BroadcastBusEvent)
	defer unmirror()

	device := audio.NewPortAudioDevice()
	defer device.Close()

	var playback io.Writer = io.Discard
	if playAudio {
		spk, err := device.OpenSpeaker(ultravox.DefaultOutputSampleRate, speakerFrames)
		if err != nil {
			log.Printf("warning: speaker unavailable, agent audio disabled: %v", err)
		} else if err := spk.Start(); err != nil {
			log.Printf("warning: speaker start failed, agent audio disabled: %v", err)
			_ = spk.Stop()
		} else {
			defer func() { _ = spk.Stop() }()
			playback = spk
		}
	}

	uv := ultravox.NewClient(cfg.UltravoxAPIKey,
		ultravox.WithBaseURL(cfg.UltravoxBaseURL),
		ultravox.WithAgent(cfg.UltravoxAgentID),
	)

	var ctrl *call.Controller
	resources := audio.NewManager(device,
		audio.WithSampleRates(cfg.SampleRateCandidates()),
		audio.WithMeterInterval(cfg.ParsedMeterInterval()),
		audio.WithLevelFunc(func(level int) {
			if ctrl != nil {
				ctrl.ReportLevel(level)
			}
		}),
	)

	transport := ultravox.NewSession(uv, events,
		ultravox.WithPlayback(playback),
		ultravox.WithInputRate(resources.SampleRate),
	)

	deps := call.Deps{
		Transport:      transport,
		Resources:      resources,
		Bus:            events,
		Interceptor:    newInterceptor(cfg, events),
		Store:          store,
		Transcripts:    storage.NewWriter(cfg.TranscriptDir),
		UI:             hub,
		LeaveTimeout:   cfg.ParsedLeaveTimeout(),
		MinProvisional: cfg.MinProvisionalChars,
	}
	if cfg.RecordCalls {
		deps.Recorder = audio.NewRecorder(cfg.AudioDir)
	}
	if s := newSummarizer(cfg); s != nil {
		deps.Summarizer = s
	}

	ctrl = call.NewController(deps)
	defer ctrl.Detach()

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			writer := storage.NewWriter(cfg.TranscriptDir)
			go syncer.Run(ctx, gdriveSyncPeriod, writer.Path)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, cfg.ListenAddr, assets, hub, store, server.ControlHooks{
			Calls:    ctrl,
			Bus:      events,
			Warnings: func() []string { return warnings },
		})
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			ctrl.Close(context.Background())
			ctrl.Wait()
			return err
		}
	}

	log.Println("voice-agent: shutting down")
	ctrl.Close(context.Background())
	ctrl.Wait()
	return nil
}

func staticAssets(dir string) (fs.FS, error) {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir), nil
		}
		log.Printf("warning: static_dir %q not found, using embedded UI", dir)
	}
	return fs.Sub(staticFiles, "static")
}

func newLLMClient(cfg config.Config, model string, opts ...llm.Option) (llm.Client, error) {
	provider, name, err := llm.ParseModel(model)
	if err != nil {
		return nil, err
	}
	key := cfg.APIKeyFor(provider)
	if key == "" {
		return nil, errors.New("no api key for " + provider)
	}
	return llm.NewClient(provider, key, name, opts...)
}

func newInterceptor(cfg config.Config, publisher intent.Publisher) *intent.Interceptor {
	opts := []intent.Option{}
	if len(cfg.ListingPhrases) > 0 {
		opts = append(opts, intent.WithPredicate(intent.NewPhraseMatcher(cfg.ListingPhrases...)))
	}
	if cfg.IntentModel != "" {
		client, err := newLLMClient(cfg, cfg.IntentModel, llm.WithTemperature(0), llm.WithMaxTokens(512))
		if err != nil {
			slog.Warn("intent model disabled, using heuristic extraction", "model", cfg.IntentModel, "error", err)
		} else {
			opts = append(opts, intent.WithExtractor(intent.NewLLMExtractor(client)))
		}
	}
	return intent.New(publisher, opts...)
}

func newSummarizer(cfg config.Config) *summary.Summarizer {
	if cfg.SummaryModel == "" {
		return nil
	}
	if _, err := newLLMClient(cfg, cfg.SummaryModel); err != nil {
		slog.Warn("call summaries disabled", "model", cfg.SummaryModel, "error", err)
		return nil
	}
	return summary.New(cfg.SummaryModel, func(provider, model string) (llm.Client, error) {
		key := cfg.APIKeyFor(provider)
		if key == "" {
			return nil, errors.New("no api key for " + provider)
		}
		return llm.NewClient(provider, key, model)
	})
}
