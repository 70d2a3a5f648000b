package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Detection  DetectionConfig  `yaml:"detection" mapstructure:"detection"`
	Models     ModelsConfig     `yaml:"models" mapstructure:"models"`
	Image      ImageConfig      `yaml:"image" mapstructure:"image"`
	Video      VideoConfig      `yaml:"video" mapstructure:"video"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	MQTT       MQTTConfig       `yaml:"mqtt" mapstructure:"mqtt"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DetectionConfig holds the ensemble weights and every decision threshold.
// It is loaded once and treated as immutable afterwards.
type DetectionConfig struct {
	Weights                  map[string]float64 `yaml:"weights" mapstructure:"weights"`
	FakeThreshold            float64            `yaml:"fake_threshold" mapstructure:"fake_threshold"`
	RealThreshold            float64            `yaml:"real_threshold" mapstructure:"real_threshold"`
	HighAgreementStdDev      float64            `yaml:"high_agreement_stddev" mapstructure:"high_agreement_stddev"`
	MediumAgreementStdDev    float64            `yaml:"medium_agreement_stddev" mapstructure:"medium_agreement_stddev"`
	DisagreementStdDev       float64            `yaml:"disagreement_stddev" mapstructure:"disagreement_stddev"`
	HighConfidence           float64            `yaml:"high_confidence" mapstructure:"high_confidence"`
	SuspiciousFrameThreshold float64            `yaml:"suspicious_frame_threshold" mapstructure:"suspicious_frame_threshold"`
}

// DefaultWeights returns the weights for the three production classifiers.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"siglip":   0.40,
		"vit_v2":   0.35,
		"vit_base": 0.25,
	}
}

// DefaultDetectionConfig returns the production decision thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Weights:                  DefaultWeights(),
		FakeThreshold:            0.6,
		RealThreshold:            0.4,
		HighAgreementStdDev:      0.15,
		MediumAgreementStdDev:    0.30,
		DisagreementStdDev:       0.25,
		HighConfidence:           80,
		SuspiciousFrameThreshold: 0.7,
	}
}

// CheckThresholds verifies that the decision thresholds are ordered so a
// verdict always agrees with the probability it came from.
func (c DetectionConfig) CheckThresholds() error {
	switch {
	case !inRange(c.RealThreshold, 0, 0.5) || !inRange(c.FakeThreshold, 0.5, 1):
		return eris.Errorf("config: need 0 <= real_threshold (%v) <= 0.5 <= fake_threshold (%v) <= 1",
			c.RealThreshold, c.FakeThreshold)
	case !(c.HighAgreementStdDev > 0 && c.HighAgreementStdDev < c.MediumAgreementStdDev):
		return eris.Errorf("config: need 0 < high_agreement_stddev (%v) < medium_agreement_stddev (%v)",
			c.HighAgreementStdDev, c.MediumAgreementStdDev)
	case !(c.DisagreementStdDev > 0):
		return eris.Errorf("config: disagreement_stddev must be positive, got %v", c.DisagreementStdDev)
	case !inRange(c.HighConfidence, 0, 100):
		return eris.Errorf("config: high_confidence must be within [0, 100], got %v", c.HighConfidence)
	case !(c.SuspiciousFrameThreshold > 0 && c.SuspiciousFrameThreshold <= 1):
		return eris.Errorf("config: suspicious_frame_threshold must be within (0, 1], got %v", c.SuspiciousFrameThreshold)
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

// ModelsConfig configures the classifier inference service.
type ModelsConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	Names       []string      `yaml:"names" mapstructure:"names"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst       int           `yaml:"burst" mapstructure:"burst"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures retries against the inference service.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-model circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ImageConfig configures image upload validation.
type ImageConfig struct {
	MaxBytes       int64    `yaml:"max_bytes" mapstructure:"max_bytes"`
	MinDimension   int      `yaml:"min_dimension" mapstructure:"min_dimension"`
	MaxPixels      int64    `yaml:"max_pixels" mapstructure:"max_pixels"`
	AllowedFormats []string `yaml:"allowed_formats" mapstructure:"allowed_formats"`
}

// VideoConfig configures video validation and frame sampling.
type VideoConfig struct {
	FFmpegPath       string   `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	FFprobePath      string   `yaml:"ffprobe_path" mapstructure:"ffprobe_path"`
	FPS              float64  `yaml:"fps" mapstructure:"fps"`
	MaxFrames        int      `yaml:"max_frames" mapstructure:"max_frames"`
	MaxDurationSecs  float64  `yaml:"max_duration_secs" mapstructure:"max_duration_secs"`
	MaxBytes         int64    `yaml:"max_bytes" mapstructure:"max_bytes"`
	AllowedFormats   []string `yaml:"allowed_formats" mapstructure:"allowed_formats"`
	FrameConcurrency int      `yaml:"frame_concurrency" mapstructure:"frame_concurrency"`
	TempDir          string   `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// CacheConfig controls reuse of earlier results for identical uploads.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// MQTTConfig configures detection event publishing.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	QoS      byte   `yaml:"qos" mapstructure:"qos"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FakeRateThreshold float64 `yaml:"fake_rate_threshold" mapstructure:"fake_rate_threshold"`
	MinDetections     int     `yaml:"min_detections" mapstructure:"min_detections"`
}

// Validate checks that the fields required by the given mode are present.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch mode {
	case "detect":
		if c.Models.BaseURL == "" {
			missing = append(missing, "models.base_url")
		}
		if len(c.Models.Names) < 3 {
			return eris.Errorf("config: models.names needs at least 3 models, got %d", len(c.Models.Names))
		}
		for _, name := range c.Models.Names {
			if _, ok := c.Detection.Weights[name]; !ok {
				return eris.Errorf("config: no detection weight for model %q", name)
			}
		}
		if err := c.Detection.CheckThresholds(); err != nil {
			return err
		}
		if c.Video.FPS <= 0 {
			return eris.Errorf("config: video.fps must be positive, got %v", c.Video.FPS)
		}
		if c.MQTT.Enabled && c.MQTT.Broker == "" {
			missing = append(missing, "mqtt.broker")
		}
	case "store":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			return eris.Errorf("config: unsupported store.driver %q", c.Store.Driver)
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required fields for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
}

// Load reads configuration from config.yaml, environment variables, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DEEPFAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	det := DefaultDetectionConfig()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "deepfake.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 10)
	v.SetDefault("detection.fake_threshold", det.FakeThreshold)
	v.SetDefault("detection.real_threshold", det.RealThreshold)
	v.SetDefault("detection.high_agreement_stddev", det.HighAgreementStdDev)
	v.SetDefault("detection.medium_agreement_stddev", det.MediumAgreementStdDev)
	v.SetDefault("detection.disagreement_stddev", det.DisagreementStdDev)
	v.SetDefault("detection.high_confidence", det.HighConfidence)
	v.SetDefault("detection.suspicious_frame_threshold", det.SuspiciousFrameThreshold)
	v.SetDefault("models.base_url", "http://localhost:8000")
	v.SetDefault("models.names", []string{"siglip", "vit_v2", "vit_base"})
	v.SetDefault("models.timeout_secs", 30)
	v.SetDefault("models.rate_limit", 20.0)
	v.SetDefault("models.burst", 10)
	v.SetDefault("models.retry.max_attempts", 3)
	v.SetDefault("models.retry.initial_backoff_ms", 250)
	v.SetDefault("models.retry.max_backoff_ms", 5000)
	v.SetDefault("models.retry.multiplier", 2.0)
	v.SetDefault("models.retry.jitter_fraction", 0.25)
	v.SetDefault("models.circuit.failure_threshold", 5)
	v.SetDefault("models.circuit.reset_timeout_secs", 30)
	v.SetDefault("image.max_bytes", 16*1024*1024)
	v.SetDefault("image.min_dimension", 32)
	v.SetDefault("image.max_pixels", 50_000_000)
	v.SetDefault("image.allowed_formats", []string{"png", "jpeg", "webp"})
	v.SetDefault("video.ffmpeg_path", "ffmpeg")
	v.SetDefault("video.ffprobe_path", "ffprobe")
	v.SetDefault("video.fps", 1.0)
	v.SetDefault("video.max_frames", 30)
	v.SetDefault("video.max_duration_secs", 30.0)
	v.SetDefault("video.max_bytes", 50*1024*1024)
	v.SetDefault("video.allowed_formats", []string{"mp4", "avi", "mov"})
	v.SetDefault("video.frame_concurrency", 4)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("mqtt.client_id", "deepfake-detector")
	v.SetDefault("mqtt.topic", "deepfake/detections/{content_type}/{verdict}")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.fake_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_detections", 20)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// No viper default for weights: viper merges map defaults key-by-key.
	if len(cfg.Detection.Weights) == 0 {
		cfg.Detection.Weights = DefaultWeights()
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
