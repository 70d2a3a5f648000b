package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "deepfake.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, []string{"siglip", "vit_v2", "vit_base"}, cfg.Models.Names)
	assert.Equal(t, 3, cfg.Models.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Models.Circuit.FailureThreshold)
	assert.InDelta(t, 0.40, cfg.Detection.Weights["siglip"], 1e-9)
	assert.InDelta(t, 0.35, cfg.Detection.Weights["vit_v2"], 1e-9)
	assert.InDelta(t, 0.25, cfg.Detection.Weights["vit_base"], 1e-9)
	assert.InDelta(t, 0.6, cfg.Detection.FakeThreshold, 1e-9)
	assert.InDelta(t, 0.4, cfg.Detection.RealThreshold, 1e-9)
	assert.InDelta(t, 0.15, cfg.Detection.HighAgreementStdDev, 1e-9)
	assert.InDelta(t, 0.30, cfg.Detection.MediumAgreementStdDev, 1e-9)
	assert.InDelta(t, 0.25, cfg.Detection.DisagreementStdDev, 1e-9)
	assert.InDelta(t, 80, cfg.Detection.HighConfidence, 1e-9)
	assert.InDelta(t, 0.7, cfg.Detection.SuspiciousFrameThreshold, 1e-9)
	assert.Equal(t, int64(16*1024*1024), cfg.Image.MaxBytes)
	assert.Equal(t, []string{"png", "jpeg", "webp"}, cfg.Image.AllowedFormats)
	assert.Equal(t, int64(50*1024*1024), cfg.Video.MaxBytes)
	assert.InDelta(t, 30.0, cfg.Video.MaxDurationSecs, 1e-9)
	assert.Equal(t, 30, cfg.Video.MaxFrames)
	assert.Equal(t, []string{"mp4", "avi", "mov"}, cfg.Video.AllowedFormats)
	assert.True(t, cfg.Cache.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.InDelta(t, 0.5, cfg.Monitoring.FakeRateThreshold, 1e-9)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/deepfake
log:
  level: debug
  format: console
detection:
  weights:
    alpha: 0.5
    beta: 0.3
    gamma: 0.2
  fake_threshold: 0.7
models:
  names: [alpha, beta, gamma]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2}, cfg.Detection.Weights)
	assert.InDelta(t, 0.7, cfg.Detection.FakeThreshold, 1e-9)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.4, cfg.Detection.RealThreshold, 1e-9)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, cfg.Models.Names)
	assert.NoError(t, cfg.Validate("detect"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("DEEPFAKE_STORE_DRIVER", "postgres")
	t.Setenv("DEEPFAKE_LOG_LEVEL", "warn")
	t.Setenv("DEEPFAKE_MODELS_BASE_URL", "http://inference:9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "http://inference:9000", cfg.Models.BaseURL)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDetect() *Config {
	return &Config{
		Detection: DefaultDetectionConfig(),
		Models: ModelsConfig{
			BaseURL: "http://localhost:8000",
			Names:   []string{"siglip", "vit_v2", "vit_base"},
		},
		Video: VideoConfig{FPS: 1},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "detect ok", mode: "detect", mutate: func(*Config) {}},
		{
			name:    "detect missing base url",
			mode:    "detect",
			mutate:  func(c *Config) { c.Models.BaseURL = "" },
			wantErr: "models.base_url",
		},
		{
			name:    "detect too few models",
			mode:    "detect",
			mutate:  func(c *Config) { c.Models.Names = []string{"siglip", "vit_v2"} },
			wantErr: "at least 3 models",
		},
		{
			name:    "detect model without weight",
			mode:    "detect",
			mutate:  func(c *Config) { c.Models.Names = []string{"siglip", "vit_v2", "clip"} },
			wantErr: `no detection weight for model "clip"`,
		},
		{
			name:    "detect zero fps",
			mode:    "detect",
			mutate:  func(c *Config) { c.Video.FPS = 0 },
			wantErr: "video.fps",
		},
		{
			name:    "detect inverted thresholds",
			mode:    "detect",
			mutate:  func(c *Config) { c.Detection.FakeThreshold, c.Detection.RealThreshold = 0.3, 0.7 },
			wantErr: "real_threshold",
		},
		{
			name:    "detect mqtt without broker",
			mode:    "detect",
			mutate:  func(c *Config) { c.MQTT.Enabled = true },
			wantErr: "mqtt.broker",
		},
		{
			name: "store ok",
			mode: "store",
			mutate: func(c *Config) {
				c.Store = StoreConfig{Driver: "sqlite", DatabaseURL: "x.db"}
			},
		},
		{
			name: "store bad driver",
			mode: "store",
			mutate: func(c *Config) {
				c.Store = StoreConfig{Driver: "mysql", DatabaseURL: "x"}
			},
			wantErr: "unsupported store.driver",
		},
		{
			name:    "store missing url",
			mode:    "store",
			mutate:  func(c *Config) { c.Store = StoreConfig{Driver: "postgres"} },
			wantErr: "store.database_url",
		},
		{
			name:    "unknown mode",
			mode:    "enrich",
			mutate:  func(*Config) {},
			wantErr: "unknown validation mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDetect()
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckThresholds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *DetectionConfig)
		wantErr string
	}{
		{name: "defaults", mutate: func(*DetectionConfig) {}},
		{name: "even split", mutate: func(c *DetectionConfig) { c.FakeThreshold, c.RealThreshold = 0.5, 0.5 }},
		{name: "inverted", mutate: func(c *DetectionConfig) { c.FakeThreshold, c.RealThreshold = 0.3, 0.7 }, wantErr: "real_threshold"},
		{name: "fake below half", mutate: func(c *DetectionConfig) { c.FakeThreshold = 0.45 }, wantErr: "fake_threshold"},
		{name: "real negative", mutate: func(c *DetectionConfig) { c.RealThreshold = -0.1 }, wantErr: "real_threshold"},
		{name: "fake above one", mutate: func(c *DetectionConfig) { c.FakeThreshold = 1.2 }, wantErr: "fake_threshold"},
		{name: "agreement zero", mutate: func(c *DetectionConfig) { c.HighAgreementStdDev = 0 }, wantErr: "high_agreement_stddev"},
		{name: "agreement inverted", mutate: func(c *DetectionConfig) { c.HighAgreementStdDev = 0.4 }, wantErr: "medium_agreement_stddev"},
		{name: "disagreement zero", mutate: func(c *DetectionConfig) { c.DisagreementStdDev = 0 }, wantErr: "disagreement_stddev"},
		{name: "high confidence", mutate: func(c *DetectionConfig) { c.HighConfidence = 120 }, wantErr: "high_confidence"},
		{name: "suspicious zero", mutate: func(c *DetectionConfig) { c.SuspiciousFrameThreshold = 0 }, wantErr: "suspicious_frame_threshold"},
		{name: "suspicious one", mutate: func(c *DetectionConfig) { c.SuspiciousFrameThreshold = 1 }},
		{name: "zero value", mutate: func(c *DetectionConfig) { *c = DetectionConfig{} }, wantErr: "fake_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDetectionConfig()
			tt.mutate(&cfg)
			err := cfg.CheckThresholds()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
