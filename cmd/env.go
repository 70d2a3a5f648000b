package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/detector"
	"github.com/sells-group/deepfake-detector/internal/monitoring"
	"github.com/sells-group/deepfake-detector/internal/notify"
	"github.com/sells-group/deepfake-detector/internal/resilience"
	"github.com/sells-group/deepfake-detector/internal/scorer"
	"github.com/sells-group/deepfake-detector/internal/store"
	"github.com/sells-group/deepfake-detector/internal/video"
)

// detectorEnv holds everything the detect and serve commands need.
type detectorEnv struct {
	Store     store.Store
	Detector  *detector.Detector
	Publisher notify.Publisher
	Breakers  *resilience.ModelBreakers
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *detectorEnv) Close() {
	if e.Publisher != nil {
		e.Publisher.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store. Callers close it.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initDetector wires the store, the model panel, the event publisher and
// ffmpeg into a Detector. Callers should defer env.Close().
func initDetector(ctx context.Context) (*detectorEnv, error) {
	if err := cfg.Validate("detect"); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewModelBreakers(resilience.BreakerSettingsFromConfig(cfg.Models.Circuit))
	panel, err := scorer.NewPanel(scorer.NewHTTPScorers(cfg.Models, breakers)...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pub, err := notify.New(cfg.MQTT)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init mqtt publisher")
	}
	if cfg.MQTT.Enabled {
		zap.L().Info("mqtt publishing enabled", zap.String("broker", cfg.MQTT.Broker))
	}

	ff := video.NewFFmpeg(cfg.Video.FFmpegPath, cfg.Video.FFprobePath, cfg.Video.TempDir)

	det, err := detector.New(cfg, panel, st, pub, ff)
	if err != nil {
		pub.Close()
		_ = st.Close()
		return nil, err
	}

	return &detectorEnv{
		Store:     st,
		Detector:  det,
		Publisher: pub,
		Breakers:  breakers,
		Collector: monitoring.NewCollector(det, breakers),
	}, nil
}
