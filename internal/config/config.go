package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration for the assessment client.
type Config struct {
	Backend   BackendConfig
	Synthesis SynthesisConfig
	Deepgram  DeepgramConfig
	Audio     AudioConfig
	Rules     RulesConfig
	Media     MediaConfig
	Log       LogConfig
}

type BackendConfig struct {
	BaseURL    string
	StartPath  string
	AnswerPath string
	ChatPath   string
	UploadPath string
	Timeout    time.Duration
}

type SynthesisConfig struct {
	URL      string
	Token    string
	ClientID string
	Format   int
	Language string
	Speed    int
	Pitch    int
	Volume   int
	Voice    int
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	Endpointing int
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
	ChunkSize       int
}

type RulesConfig struct {
	Path           string
	IterationLimit int
}

type MediaConfig struct {
	ClipLimit int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load resolves configuration from an optional .env file, environment
// variables and defaults. Variables already set in the environment win over
// the .env file.
func Load() (Config, error) {
	if err := loadDotEnv(strings.TrimSpace(os.Getenv("REHABCHAT_ENV_FILE"))); err != nil {
		return Config{}, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}
	rulesPath := envOrDefault("REHABCHAT_RULES_FILE", filepath.Join(home, ".config", "rehabchat", "utterance.rules"))

	cfg := Config{
		Backend: BackendConfig{
			BaseURL:    envOrDefault("REHABCHAT_API_BASE", "http://172.16.113.144:8086"),
			StartPath:  envOrDefault("REHABCHAT_START_PATH", "/start"),
			AnswerPath: envOrDefault("REHABCHAT_ANSWER_PATH", "/answer"),
			ChatPath:   envOrDefault("REHABCHAT_CHAT_PATH", "/api/llm_chat"),
			UploadPath: envOrDefault("REHABCHAT_UPLOAD_PATH", "/api/upload"),
			Timeout:    time.Duration(envOrDefaultInt("REHABCHAT_HTTP_TIMEOUT_MS", 60000)) * time.Millisecond,
		},
		Synthesis: SynthesisConfig{
			URL:      envOrDefault("BAIDU_TTS_URL", "https://tsn.baidu.com/text2audio"),
			Token:    strings.TrimSpace(os.Getenv("BAIDU_TTS_TOKEN")),
			ClientID: envOrDefault("BAIDU_TTS_CUID", "rehab-chat-room"),
			Format:   envOrDefaultInt("BAIDU_TTS_FORMAT", 3),
			Language: envOrDefault("BAIDU_TTS_LANG", "zh"),
			Speed:    envOrDefaultInt("BAIDU_TTS_SPEED", 5),
			Pitch:    envOrDefaultInt("BAIDU_TTS_PITCH", 5),
			Volume:   envOrDefaultInt("BAIDU_TTS_VOLUME", 5),
			Voice:    envOrDefaultInt("BAIDU_TTS_VOICE", 0),
		},
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    envOrDefault("REHABCHAT_SPEECH_LANGUAGE", "zh-CN"),
			Endpointing: envOrDefaultInt("DEEPGRAM_ENDPOINTING_MS", 800),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("REHABCHAT_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("REHABCHAT_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("REHABCHAT_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("REHABCHAT_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("REHABCHAT_CHANNELS", 1),
			ChunkSize:       envOrDefaultInt("REHABCHAT_AUDIO_CHUNK_SIZE", 4096),
		},
		Rules: RulesConfig{
			Path:           rulesPath,
			IterationLimit: envOrDefaultInt("REHABCHAT_RULE_ITERATION_LIMIT", 30),
		},
		Media: MediaConfig{
			ClipLimit: envOrDefaultInt("REHABCHAT_CLIP_LIMIT", 64),
		},
		Log: LogConfig{
			Level:  envOrDefault("REHABCHAT_LOG_LEVEL", "info"),
			Format: envOrDefault("REHABCHAT_LOG_FORMAT", "console"),
		},
	}

	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 60 * time.Second
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 4096
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = 30
	}
	if cfg.Media.ClipLimit <= 0 {
		cfg.Media.ClipLimit = 64
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		return godotenv.Load()
	}
	if err := godotenv.Load(path); err != nil {
		return errors.New("could not load env file " + path + ": " + err.Error())
	}
	return nil
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
