// Package assistant wires the voice service, response assembly, chunked
// playback and the robot into a conversational assistant.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/teslashibe/go-misty/internal/config"
	"github.com/teslashibe/go-misty/pkg/assembler"
	"github.com/teslashibe/go-misty/pkg/hub"
	"github.com/teslashibe/go-misty/pkg/metrics"
	"github.com/teslashibe/go-misty/pkg/misty"
	"github.com/teslashibe/go-misty/pkg/playback"
	"github.com/teslashibe/go-misty/pkg/realtime"
	"github.com/teslashibe/go-misty/pkg/web"
)

// DefaultInstructions is the session prompt when none is configured.
const DefaultInstructions = `You are Misty, a friendly robot assistant.
Keep answers short and conversational; they are spoken aloud.
Never read out lists, code or URLs.`

// App is the assistant orchestrator. It owns every component and their
// lifecycle.
type App struct {
	config config.App
	logger *slog.Logger

	// Robot
	device *misty.HTTPDevice
	events *misty.EventSubscriber

	// Voice path
	session   *realtime.Session
	assembler *assembler.Assembler
	pipeline  *playback.Pipeline

	controller *Controller

	// Observability
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	hub      *hub.Hub
	web      *web.Server

	seenReconnects atomic.Int64
	cancel         context.CancelFunc
}

// New creates an App from cfg. Call Init before Run.
func New(cfg config.App) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{
		config: cfg,
		logger: slog.Default().With("component", "assistant.app"),
	}, nil
}

// Init builds and wires all components. Nothing connects until Run.
func (a *App) Init() error {
	cfg := a.config

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.hub = hub.New(slog.Default())

	a.device = misty.NewHTTPDevice(misty.HTTPConfig{
		BaseURL: cfg.MistyBaseURL(),
		Timeout: cfg.Misty.RequestTimeout,
	})
	a.events = misty.NewEventSubscriber(misty.EventConfig{URL: cfg.MistyPubSubURL()})

	instructions := cfg.OpenAI.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}

	var err error
	a.session, err = realtime.NewSession(
		realtime.WithAPIKey(cfg.OpenAI.APIKey),
		realtime.WithModel(cfg.OpenAI.Model),
		realtime.WithVoice(cfg.OpenAI.Voice),
		realtime.WithInstructions(instructions),
		realtime.WithTranscriptionModel(cfg.OpenAI.TranscriptionModel),
		realtime.WithSampleRate(cfg.Audio.SourceSampleRate),
		realtime.WithConnectTimeout(cfg.OpenAI.ConnectTimeout),
		realtime.WithReconnect(cfg.OpenAI.MaxReconnectAttempts, 60*time.Second),
		realtime.WithSendRetries(cfg.OpenAI.MaxSendAttempts, 60*time.Second),
		realtime.WithRateLimitCooldown(cfg.OpenAI.RateLimitCooldown),
	)
	if err != nil {
		return fmt.Errorf("realtime session: %w", err)
	}

	a.assembler, err = assembler.New(assembler.WithChunkThreshold(cfg.Audio.ChunkThresholdBytes))
	if err != nil {
		return fmt.Errorf("assembler: %w", err)
	}

	a.pipeline, err = playback.New(a.device,
		playback.WithSampleRates(cfg.Audio.SourceSampleRate, cfg.Audio.TargetSampleRate),
		playback.WithVolume(cfg.Misty.Volume),
		playback.WithFallbackMargin(cfg.Audio.FallbackMargin),
		playback.WithPipelineDepth(cfg.Audio.PipelineDepth),
		playback.WithDeviceTimeout(cfg.Misty.RequestTimeout),
	)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}

	if cfg.Dashboard.Enabled {
		a.web = web.NewServer(web.Config{
			Addr:     ":" + cfg.Dashboard.Port,
			Status:   a.status,
			Gatherer: a.registry,
			Hub:      a.hub,
		})
	}

	ccfg := ControllerConfig{
		Device:              a.device,
		Voice:               a.session,
		Player:              a.pipeline,
		Assembler:           a.assembler,
		Metrics:             a.metrics,
		Instructions:        instructions,
		ServiceSampleRate:   cfg.Audio.SourceSampleRate,
		Capture:             misty.CaptureOptions{SilenceTimeoutMs: cfg.Misty.SilenceTimeoutMs, MaxSpeechLengthMs: cfg.Misty.MaxSpeechLengthMs},
		ConversationEnabled: cfg.Conversation.Enabled,
		ConversationTimeout: cfg.Conversation.Timeout,
		EndingPhrases:       cfg.Conversation.EndingPhrases,
	}
	if a.web != nil {
		ccfg.Observer = a.web
	}
	a.controller, err = NewController(ccfg)
	if err != nil {
		return err
	}

	a.wire()
	return nil
}

// wire connects component callbacks. The flow is
// session -> assembler -> pipeline -> device, with device events feeding
// back into the pipeline and the controller.
func (a *App) wire() {
	m := a.metrics

	a.session.OnMessage(func(data []byte) {
		m.RecordReceived()
		a.assembler.Feed(data)
	})
	a.session.OnStateChange(func(s realtime.State) {
		m.SetConnectionState(int(s))
		if n := a.session.Reconnects(); n > a.seenReconnects.Load() {
			m.Reconnects.Add(float64(n - a.seenReconnects.Swap(n)))
		}
		a.publishStatus()
	})
	a.session.OnPause(func(d time.Duration) {
		m.RecordRateLimitPause()
	})
	a.session.OnError(func(err error) {
		a.logger.Warn("voice service transport error", "error", err)
	})
	a.session.OnFatal(a.controller.HandleFatal)

	q := a.session.Queue()
	q.OnSent(func(item realtime.Item) {
		m.RecordSent(q.Len())
	})
	q.OnExhausted(func(err *realtime.DeliveryError) {
		m.RecordExhausted(q.Len())
		a.logger.Warn("outbound message dropped", "type", err.Type, "attempts", err.Attempts)
	})

	a.assembler.OnChunk(func(c assembler.Chunk) {
		m.RecordChunk()
		if err := a.pipeline.AddChunk(c.ResponseID, c.Index, c.PCM, c.Final); err != nil {
			a.logger.Warn("chunk rejected", "response_id", c.ResponseID, "index", c.Index, "error", err)
		}
	})
	a.assembler.OnTranscript(a.controller.HandleTranscript)
	a.assembler.OnError(a.controller.HandleError)

	a.pipeline.OnResponseStart(a.controller.HandleResponseStart)
	a.pipeline.OnResponseComplete(a.controller.HandleResponseComplete)
	a.pipeline.OnUnitFinished(func(r playback.Report) {
		switch r.Reason {
		case playback.ReasonEvent, playback.ReasonTimer:
			m.RecordUnitPlayed(r.Reason.String(), r.UploadLatency)
		case playback.ReasonUploadFailed:
			m.RecordUnitFailure("upload")
		case playback.ReasonPlayFailed:
			m.RecordUnitFailure("play")
		}
		if a.hub != nil {
			a.hub.Publish(hub.EventPlayback, map[string]any{
				"response_id": r.ResponseID,
				"index":       r.Index,
				"reason":      r.Reason.String(),
			})
		}
	})

	a.events.OnAudioPlayComplete(a.pipeline.NotifyPlaybackComplete)
	a.events.OnVoiceRecord(func(rec misty.VoiceRecord) {
		// Fetching the recording can take seconds; keep the event loop free
		// for playback completions.
		go a.controller.HandleVoiceRecord(rec)
	})
	a.events.OnKeyPhrase(a.controller.HandleKeyPhrase)
}

// Run connects everything and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	go a.hub.Run(ctx)
	go func() {
		if err := a.assembler.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("assembler stopped", "error", err)
		}
	}()
	go func() {
		if err := a.events.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("device events stopped", "error", err)
		}
	}()
	if a.web != nil {
		a.web.StartAsync()
	}

	if err := a.session.Connect(ctx); err != nil {
		// The session keeps retrying in the background.
		a.logger.Warn("voice service not reachable yet", "error", err)
		a.session.Reconnect()
	}

	if err := a.controller.Start(ctx); err != nil {
		a.logger.Warn("device not ready", "error", err)
	}
	a.logger.Info("assistant running", "misty", a.config.Misty.IP)

	<-ctx.Done()
	return nil
}

// Shutdown stops playback, closes connections and the dashboard.
func (a *App) Shutdown() {
	a.logger.Info("shutting down")
	if a.cancel != nil {
		a.cancel()
	}
	if a.pipeline != nil {
		_ = a.pipeline.Close()
	}
	if a.session != nil {
		_ = a.session.Disconnect()
	}
	if a.web != nil {
		_ = a.web.Shutdown()
	}
}

// status assembles the dashboard snapshot.
func (a *App) status() web.Status {
	cs := a.controller.Status()
	ps := a.pipeline.Snapshot()
	return web.Status{
		Connection:         a.session.State().String(),
		ConversationActive: cs.ConversationActive,
		Speaking:           ps.Speaking,
		QueueDepth:         a.session.Queue().Len(),
		PlaybackQueued:     ps.Queued,
		Reconnects:         a.session.Reconnects(),
		LastUserMessage:    cs.LastUser,
		LastAssistantReply: cs.LastAssistant,
	}
}

func (a *App) publishStatus() {
	if a.web != nil {
		a.web.PublishStatus()
	}
}
