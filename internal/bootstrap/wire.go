package bootstrap

import (
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"rehabchat/internal/audio"
	"rehabchat/internal/config"
	"rehabchat/internal/domain"
	"rehabchat/internal/logging"
	"rehabchat/internal/media"
	"rehabchat/internal/ports"
	"rehabchat/internal/providers/backend"
	"rehabchat/internal/providers/baidu"
	"rehabchat/internal/providers/deepgram"
	"rehabchat/internal/rules"
	"rehabchat/internal/transcript"
	"rehabchat/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Capture    *usecase.CaptureAdapter
	Playback   *usecase.PlaybackController
	Clips      http.Handler
	Config     config.Config
	Logger     zerolog.Logger
}

// Build wires all backend dependencies for the current runtime. Session and
// transcript changes are forwarded to eventSink; clips are rendered by output.
func Build(eventSink ports.EventSink, output ports.AudioOutput) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	clips := media.NewLibrary(cfg.Media.ClipLimit)
	store := transcript.NewStore()
	playback := usecase.NewPlaybackController(output, eventSink, eventSink, logger)
	clips.ProtectWith(clipInUse(playback, store))

	synthesizer := baidu.NewSynthesizer(baidu.Config{
		URL:      cfg.Synthesis.URL,
		Token:    cfg.Synthesis.Token,
		ClientID: cfg.Synthesis.ClientID,
		Format:   cfg.Synthesis.Format,
		Language: cfg.Synthesis.Language,
		Speed:    cfg.Synthesis.Speed,
		Pitch:    cfg.Synthesis.Pitch,
		Volume:   cfg.Synthesis.Volume,
		Voice:    cfg.Synthesis.Voice,
	}, &http.Client{Timeout: cfg.Backend.Timeout}, clips)

	assessment := backend.NewClient(backend.Config{
		BaseURL:    cfg.Backend.BaseURL,
		StartPath:  cfg.Backend.StartPath,
		AnswerPath: cfg.Backend.AnswerPath,
		ChatPath:   cfg.Backend.ChatPath,
		UploadPath: cfg.Backend.UploadPath,
		Timeout:    cfg.Backend.Timeout,
	})

	controller := usecase.NewSessionController(assessment, synthesizer, playback, store, eventSink, logger)
	controller.OnTranscriptChanged(eventSink.TranscriptChanged)
	controller.OnSessionStateChanged(eventSink.SessionStateChanged)

	microphone := audio.NewMicrophone(cfg.Audio.RecorderCommand)
	recognizer := deepgram.NewRecognizer(deepgram.Config{
		APIKey:      cfg.Deepgram.APIKey,
		APIBaseURL:  cfg.Deepgram.APIBaseURL,
		Model:       cfg.Deepgram.Model,
		Language:    cfg.Deepgram.Language,
		Endpointing: cfg.Deepgram.Endpointing,
	})
	capability := detectCapability(recognizer.Check(), microphone.Check())
	if !capability.Available {
		logger.Warn().Str("reason", capability.Reason).Msg("speech capture disabled")
	}

	capture := usecase.NewCaptureAdapter(
		microphone,
		recognizer,
		rulesEngine,
		capability,
		eventSink,
		eventSink,
		usecase.CaptureConfig{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Streaming: ports.StreamingConfig{
				SampleRate: cfg.Audio.SampleRate,
				Channels:   cfg.Audio.Channels,
				Encoding:   "linear16",
				Language:   cfg.Deepgram.Language,
			},
			ChunkSize: cfg.Audio.ChunkSize,
		},
		logger,
	)

	return Services{
		Controller: controller,
		Capture:    capture,
		Playback:   playback,
		Clips:      clips,
		Config:     cfg,
		Logger:     logger,
	}, nil
}

// clipInUse keeps a clip while it is playing or attached to a message. Only
// clips orphaned by a mode reset become evictable.
func clipInUse(playback *usecase.PlaybackController, store *transcript.Store) func(url string) bool {
	return func(url string) bool {
		return playback.IsCurrent(url) || store.References(url)
	}
}

// detectCapability folds the recognizer and recorder checks into a single
// capability. Every failing check is named in the reason.
func detectCapability(checks ...error) domain.Capability {
	var reasons []string
	for _, err := range checks {
		if err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	if len(reasons) > 0 {
		return domain.Unavailable(strings.Join(reasons, "; "))
	}
	return domain.Available()
}
