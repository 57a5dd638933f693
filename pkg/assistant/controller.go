package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
	"github.com/teslashibe/go-misty/pkg/assembler"
	"github.com/teslashibe/go-misty/pkg/audioio"
	"github.com/teslashibe/go-misty/pkg/metrics"
	"github.com/teslashibe/go-misty/pkg/misty"
)

// DefaultApology is spoken through the device's own TTS when a turn fails.
const DefaultApology = "Sorry, I had trouble with that. Please try again."

// Mode is the controller's place in a turn.
type Mode int

const (
	ModeIdle Mode = iota
	ModeListening
	ModeProcessing
	ModeSpeaking
)

// String returns a human-readable mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeListening:
		return "listening"
	case ModeProcessing:
		return "processing"
	case ModeSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ControllerConfig holds the controller's collaborators and settings.
type ControllerConfig struct {
	Device    misty.Device
	Voice     Voice
	Player    Player
	Assembler Resetter

	// Observer and Metrics are optional.
	Observer Observer
	Metrics  *metrics.Metrics

	// Instructions are sent with every response request.
	Instructions string

	// ServiceSampleRate is the PCM16 rate the voice service expects.
	ServiceSampleRate int

	// Capture configures key-phrase and follow-up speech capture.
	Capture misty.CaptureOptions

	// ConversationEnabled keeps listening for follow-ups after a reply.
	ConversationEnabled bool

	// ConversationTimeout ends a conversation when no follow-up arrives.
	ConversationTimeout time.Duration

	// EndingPhrases end the conversation after the current reply.
	EndingPhrases []string

	// Apology is spoken when a turn fails.
	Apology string

	Logger *slog.Logger
	Clock  clock.Clock
}

// ControllerStatus is a snapshot of the conversation.
type ControllerStatus struct {
	Mode               Mode
	ConversationActive bool
	LastUser           string
	LastAssistant      string
}

// Controller runs the conversation: it turns device recordings into voice
// requests, tracks replies through playback and drives the LED.
type Controller struct {
	config ControllerConfig
	device misty.Device
	logger *slog.Logger
	clock  clock.Clock

	ctx context.Context

	mu            sync.Mutex
	mode          Mode
	active        bool
	endRequested  bool
	timer         clock.Timer
	timerGen      uint64
	committedAt   time.Time
	lastUser      string
	lastAssistant string
}

// NewController creates a controller. Device, Voice, Player and Assembler
// are required.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Device == nil || cfg.Voice == nil || cfg.Player == nil || cfg.Assembler == nil {
		return nil, errors.New("assistant: controller requires device, voice, player and assembler")
	}
	if cfg.ServiceSampleRate <= 0 {
		cfg.ServiceSampleRate = 24000
	}
	if cfg.Capture == (misty.CaptureOptions{}) {
		cfg.Capture = misty.DefaultCaptureOptions()
	}
	if cfg.ConversationTimeout <= 0 {
		cfg.ConversationTimeout = 10 * time.Second
	}
	if cfg.EndingPhrases == nil {
		cfg.EndingPhrases = DefaultEndingPhrases
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	return &Controller{
		config: cfg,
		device: cfg.Device,
		logger: cfg.Logger.With("component", "assistant.controller"),
		clock:  cfg.Clock,
		ctx:    context.Background(),
	}, nil
}

// Start sets the idle LED and arms key-phrase recognition. Device calls
// made from event handlers afterwards use ctx.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.led(misty.ColorIdle)
	if err := c.device.StartKeyPhraseRecognition(ctx, c.config.Capture); err != nil {
		return fmt.Errorf("start key phrase recognition: %w", err)
	}
	c.logger.Info("waiting for key phrase")
	return nil
}

// Status returns the current conversation snapshot.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStatus{
		Mode:               c.mode,
		ConversationActive: c.active,
		LastUser:           c.lastUser,
		LastAssistant:      c.lastAssistant,
	}
}

// HandleKeyPhrase is called when the wake word is heard.
func (c *Controller) HandleKeyPhrase() {
	c.logger.Info("key phrase recognized")
	c.setMode(ModeListening)
	c.led(misty.ColorListening)
}

// HandleVoiceRecord sends a finished recording to the voice service. A new
// recording interrupts any reply still playing.
func (c *Controller) HandleVoiceRecord(rec misty.VoiceRecord) {
	ctx := c.context()

	c.mu.Lock()
	c.stopTimerLocked()
	active := c.active
	c.mu.Unlock()

	if !rec.Success || rec.Filename == "" {
		c.logger.Info("no speech captured", "file", rec.Filename, "error", rec.ErrorMessage)
		if active {
			c.endConversation()
		} else {
			c.setMode(ModeIdle)
			c.led(misty.ColorIdle)
		}
		return
	}

	c.interrupt()

	c.setMode(ModeProcessing)
	c.led(misty.ColorProcessing)

	wav, err := c.device.GetAudio(ctx, rec.Filename)
	if err != nil {
		c.failTurn(fmt.Errorf("fetch recording %s: %w", rec.Filename, err))
		return
	}
	pcm, err := audioio.ToServicePCM(wav, c.config.ServiceSampleRate)
	if err != nil {
		c.failTurn(fmt.Errorf("convert recording %s: %w", rec.Filename, err))
		return
	}

	c.mu.Lock()
	c.committedAt = c.clock.Now()
	c.endRequested = false
	c.mu.Unlock()

	if err := c.config.Voice.ProcessAudio(pcm, c.config.Instructions); err != nil {
		c.failTurn(fmt.Errorf("send utterance: %w", err))
		return
	}
	c.logger.Info("utterance sent",
		"file", rec.Filename,
		"duration", audioio.PCMDuration(len(pcm), c.config.ServiceSampleRate, 1),
	)
}

// HandleTranscript records final transcripts and watches for ending phrases.
func (c *Controller) HandleTranscript(t assembler.Transcript) {
	if !t.Final || t.Text == "" {
		return
	}

	c.mu.Lock()
	ending := false
	switch t.Role {
	case assembler.RoleUser:
		c.lastUser = t.Text
		if ContainsEndingPhrase(t.Text, c.config.EndingPhrases) {
			c.endRequested = true
			ending = true
		}
	case assembler.RoleAssistant:
		c.lastAssistant = t.Text
	}
	c.mu.Unlock()

	c.logger.Info("transcript", "role", string(t.Role), "text", t.Text)
	if ending {
		c.logger.Info("ending phrase heard, conversation ends after this reply")
	}
	if obs := c.config.Observer; obs != nil {
		obs.AddConversation(string(t.Role), t.Text)
	}
}

// HandleResponseStart is called when the first audio of a reply plays.
func (c *Controller) HandleResponseStart(responseID string) {
	c.mu.Lock()
	committed := c.committedAt
	c.committedAt = time.Time{}
	c.mu.Unlock()

	if !committed.IsZero() && c.config.Metrics != nil {
		c.config.Metrics.RecordFirstAudio(c.clock.Now().Sub(committed))
	}

	c.setMode(ModeSpeaking)
	c.led(misty.ColorSpeaking)
}

// HandleResponseComplete is called when a reply's last chunk is done. It
// either listens for a follow-up or ends the conversation.
func (c *Controller) HandleResponseComplete(responseID string) {
	c.mu.Lock()
	end := c.endRequested || !c.config.ConversationEnabled
	c.mu.Unlock()

	if end {
		c.endConversation()
		return
	}

	c.mu.Lock()
	c.active = true
	c.mode = ModeListening
	c.armTimerLocked()
	c.mu.Unlock()
	c.publishStatus()

	c.led(misty.ColorListening)
	if err := c.device.CaptureSpeech(c.context(), c.config.Capture); err != nil {
		c.logger.Warn("follow-up capture failed", "error", err)
		c.endConversation()
	}
}

// HandleError handles a problem reported while reading the voice service.
// Only a service error event received while a reply is awaited fails the
// turn. Undecodable payloads and rejected cancels are logged and the reply
// continues.
func (c *Controller) HandleError(err error) {
	c.mu.Lock()
	waiting := c.mode == ModeProcessing
	c.mu.Unlock()

	if waiting && failsTurn(err) {
		c.failTurn(err)
		return
	}
	c.logger.Warn("voice service error", "error", err)
}

// benignErrorCodes never fail a turn. A cancel sent while interrupting
// races the end of the old reply and is rejected when it already finished.
var benignErrorCodes = map[string]bool{
	"response_cancel_not_active": true,
}

func failsTurn(err error) bool {
	var pe *assembler.ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Type == assembler.TypeError && !benignErrorCodes[pe.Code]
}

// HandleFatal shows the error LED when the voice service is unreachable.
func (c *Controller) HandleFatal(err error) {
	c.logger.Error("voice service unavailable", "error", err)
	c.mu.Lock()
	c.stopTimerLocked()
	c.active = false
	c.mode = ModeIdle
	c.mu.Unlock()
	c.led(misty.ColorError)
	c.publishStatus()
}

// interrupt abandons the reply in progress.
func (c *Controller) interrupt() {
	if !c.config.Player.Snapshot().Speaking {
		c.mu.Lock()
		processing := c.mode == ModeProcessing
		c.mu.Unlock()
		if !processing {
			return
		}
	}
	c.logger.Info("interrupting current reply")
	c.config.Player.Clear()
	c.config.Assembler.Reset()
	if err := c.config.Voice.CancelResponse(); err != nil {
		c.logger.Debug("cancel response failed", "error", err)
	}
}

// failTurn apologises through device TTS and returns to idle.
func (c *Controller) failTurn(err error) {
	c.logger.Error("turn failed", "error", err)
	c.mu.Lock()
	c.committedAt = time.Time{}
	c.mu.Unlock()

	c.led(misty.ColorError)
	if serr := c.device.Speak(c.context(), c.config.Apology); serr != nil {
		c.logger.Warn("failed to speak apology", "error", serr)
	}
	c.endConversation()
}

// endConversation returns to idle and re-arms the wake word.
func (c *Controller) endConversation() {
	c.mu.Lock()
	c.stopTimerLocked()
	wasActive := c.active
	c.active = false
	c.endRequested = false
	c.mode = ModeIdle
	c.mu.Unlock()

	if wasActive {
		c.logger.Info("conversation ended")
	}
	c.led(misty.ColorIdle)
	c.publishStatus()
	if err := c.device.StartKeyPhraseRecognition(c.context(), c.config.Capture); err != nil {
		c.logger.Warn("failed to re-arm key phrase recognition", "error", err)
	}
}

func (c *Controller) armTimerLocked() {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.config.ConversationTimeout, func() {
		c.mu.Lock()
		stale := gen != c.timerGen || !c.active
		c.mu.Unlock()
		if stale {
			return
		}
		c.logger.Info("conversation timed out", "timeout", c.config.ConversationTimeout)
		c.endConversation()
	})
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Controller) led(color misty.Color) {
	if err := c.device.ChangeLED(c.context(), color); err != nil {
		c.logger.Debug("led change failed", "color", color.String(), "error", err)
	}
}

func (c *Controller) publishStatus() {
	if obs := c.config.Observer; obs != nil {
		obs.PublishStatus()
	}
}

func (c *Controller) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
