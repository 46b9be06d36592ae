// Package config loads recorder configuration from defaults, a .env file, an
// optional config file, the environment and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
)

// EnvPrefix namespaces environment overrides, e.g. ZOOMREC_AUDIO_SINK.
const EnvPrefix = "ZOOMREC"

type Config struct {
	HTTPAddr    string   `mapstructure:"http_addr"`
	GRPCAddr    string   `mapstructure:"grpc_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Screen recognition
	TemplateDir          string        `mapstructure:"template_dir"`
	Confidence           float64       `mapstructure:"confidence"`
	MatchScale           float64       `mapstructure:"match_scale"`
	ReuseUnchangedFrames bool          `mapstructure:"reuse_unchanged_frames"`
	ScreenBackend        string        `mapstructure:"screen_backend"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	EndPollInterval      time.Duration `mapstructure:"end_poll_interval"`
	EndSkipDistance      int           `mapstructure:"end_skip_distance"`
	JoinTimeout          time.Duration `mapstructure:"join_timeout"`
	MaxRecordingDuration time.Duration `mapstructure:"max_recording_duration"`

	// Human-like pacing
	SettleMin     time.Duration `mapstructure:"settle_min"`
	SettleMax     time.Duration `mapstructure:"settle_max"`
	ClickPauseMin time.Duration `mapstructure:"click_pause_min"`
	ClickPauseMax time.Duration `mapstructure:"click_pause_max"`
	InterKeyDelay time.Duration `mapstructure:"inter_key_delay"`

	// Conferencing client
	ClientBinary      string `mapstructure:"client_binary"`
	ClientProcessName string `mapstructure:"client_process_name"`
	KillStaleClients  bool   `mapstructure:"kill_stale_clients"`
	CloseClientOnEnd  bool   `mapstructure:"close_client_on_end"`

	// Recording
	AudioSink      string        `mapstructure:"audio_sink"`
	RecordingsDir  string        `mapstructure:"recordings_dir"`
	ArtifactName   string        `mapstructure:"artifact_name"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`

	// Logging
	LogDir    string `mapstructure:"log_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Transcription
	TranscribeAfterRecording bool          `mapstructure:"transcribe_after_recording"`
	TranscriptionURL         string        `mapstructure:"transcription_url"`
	TranscriptionModel       string        `mapstructure:"transcription_model"`
	APIKey                   string        `mapstructure:"api_key"`
	ChunkSeconds             int           `mapstructure:"chunk_seconds"`
	ChunkConcurrency         int           `mapstructure:"chunk_concurrency"`
	ArtifactWaitTimeout      time.Duration `mapstructure:"artifact_wait_timeout"`
	ArtifactPollInterval     time.Duration `mapstructure:"artifact_poll_interval"`

	// Artifact upload; disabled when S3Bucket is empty
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
	S3Region string `mapstructure:"s3_region"`
}

var defaults = map[string]any{
	"http_addr":    ":8000",
	"grpc_addr":    ":50061",
	"cors_origins": []string{"*"},

	"template_dir":           "img",
	"confidence":             0.8,
	"match_scale":            0.5,
	"reuse_unchanged_frames": true,
	"screen_backend":         "",
	"poll_interval":          300 * time.Millisecond,
	"end_poll_interval":      time.Second,
	"end_skip_distance":      4,
	"join_timeout":           30 * time.Minute,
	"max_recording_duration": 4 * time.Hour,

	"settle_min":      3 * time.Second,
	"settle_max":      5 * time.Second,
	"click_pause_min": time.Second,
	"click_pause_max": 2 * time.Second,
	"inter_key_delay": 200 * time.Millisecond,

	"client_binary":       "zoom",
	"client_process_name": "zoom",
	"kill_stale_clients":  false,
	"close_client_on_end": true,

	"audio_sink":      "ZoomRec",
	"recordings_dir":  "recordings",
	"artifact_name":   "",
	"stop_grace":      10 * time.Second,
	"terminate_grace": 5 * time.Second,

	"log_dir":    "logs",
	"log_level":  "info",
	"log_format": "text",

	"transcribe_after_recording": true,
	"transcription_url":          "https://api.openai.com/v1/audio/transcriptions",
	"transcription_model":        "whisper-1",
	"api_key":                    "",
	"chunk_seconds":              600,
	"chunk_concurrency":          1,
	"artifact_wait_timeout":      30 * time.Second,
	"artifact_poll_interval":     time.Second,

	"s3_bucket": "",
	"s3_prefix": "",
	"s3_region": "",
}

// Options selects the optional sources Load reads.
type Options struct {
	// ConfigFile is a yaml/toml/json file; empty searches ./zoomrec.yaml.
	ConfigFile string
	// EnvFile is a dotenv file; empty means ".env" in the working directory.
	EnvFile string
	// Flags are bound by their config key name (e.g. --audio_sink).
	Flags *pflag.FlagSet
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, _ := decode(newViper(false))
	return cfg
}

// Load resolves configuration from every source and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables already present in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "load %s", envFile)
	}

	v := newViper(true)
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("zoomrec")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "read config file")
		}
	}

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			if _, known := defaults[f.Name]; known && bindErr == nil {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return nil, apperrors.Wrap(bindErr, apperrors.CodeConfigInvalid, "bind flags")
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(withEnv bool) *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if !withEnv {
		return v
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// The original deployment exported the speech API key as API_KEY.
	_ = v.BindEnv("api_key", EnvPrefix+"_API_KEY", "API_KEY", "OPENAI_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make a polling loop spin or a matcher
// accept everything. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"poll_interval":          c.PollInterval,
		"end_poll_interval":      c.EndPollInterval,
		"artifact_poll_interval": c.ArtifactPollInterval,
		"stop_grace":             c.StopGrace,
		"terminate_grace":        c.TerminateGrace,
	}
	for _, k := range slices.Sorted(maps.Keys(positive)) {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", k, positive[k]))
		}
	}
	nonNegative := map[string]time.Duration{
		"join_timeout":           c.JoinTimeout,
		"max_recording_duration": c.MaxRecordingDuration,
		"artifact_wait_timeout":  c.ArtifactWaitTimeout,
		"inter_key_delay":        c.InterKeyDelay,
	}
	for _, k := range slices.Sorted(maps.Keys(nonNegative)) {
		if nonNegative[k] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", k, nonNegative[k]))
		}
	}
	if c.SettleMin < 0 || c.SettleMax < c.SettleMin {
		errs = append(errs, fmt.Errorf("settle range [%v, %v] is invalid", c.SettleMin, c.SettleMax))
	}
	if c.ClickPauseMin < 0 || c.ClickPauseMax < c.ClickPauseMin {
		errs = append(errs, fmt.Errorf("click pause range [%v, %v] is invalid", c.ClickPauseMin, c.ClickPauseMax))
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence must be in (0, 1], got %v", c.Confidence))
	}
	if c.MatchScale <= 0 || c.MatchScale > 1 {
		errs = append(errs, fmt.Errorf("match_scale must be in (0, 1], got %v", c.MatchScale))
	}
	if c.EndSkipDistance > 64 {
		errs = append(errs, fmt.Errorf("end_skip_distance must be at most 64, got %d", c.EndSkipDistance))
	}
	if c.ChunkSeconds <= 0 {
		errs = append(errs, fmt.Errorf("chunk_seconds must be positive, got %d", c.ChunkSeconds))
	}
	if c.ChunkConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("chunk_concurrency must be positive, got %d", c.ChunkConcurrency))
	}
	if c.AudioSink == "" {
		errs = append(errs, errors.New("audio_sink must be set"))
	}
	if c.ClientBinary == "" {
		errs = append(errs, errors.New("client_binary must be set"))
	}
	if strings.ContainsAny(c.ArtifactName, `/\`) {
		errs = append(errs, fmt.Errorf("artifact_name %q must not contain path separators", c.ArtifactName))
	}

	if len(errs) == 0 {
		return nil
	}
	return apperrors.Wrap(errors.Join(errs...), apperrors.CodeConfigInvalid, "invalid configuration")
}

// ChunkLength is ChunkSeconds as a duration.
func (c *Config) ChunkLength() time.Duration {
	return time.Duration(c.ChunkSeconds) * time.Second
}
