package workers

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

// SensorEchoID is the sensor echo worker's registry and artifact identifier.
const SensorEchoID = "sensor_echo"

// sensorSample is one fake sensor reading, written to out/sensor_data.
type sensorSample struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	TiltX     int       `json:"tilt_x"`
	TiltY     int       `json:"tilt_y"`
	LightPct  int       `json:"light_pct"`
}

// SensorEcho is a stub worker that samples a simulated sensor tuple each
// cycle and atomically replaces the out/sensor_data artifact.
type SensorEcho struct {
	interval time.Duration
	store    *store.Store
	logger   *zap.Logger
	rng      *rand.Rand
	count    int
}

// NewSensorEcho creates the sensor echo stub worker.
func NewSensorEcho(interval time.Duration, st *store.Store, rng *rand.Rand, logger *zap.Logger) *SensorEcho {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SensorEcho{interval: interval, store: st, logger: logger, rng: rng}
}

// Descriptor implements the daemon host's Module interface.
func (w *SensorEcho) Descriptor() domain.ModuleDescriptor {
	return domain.ModuleDescriptor{ID: SensorEchoID, Name: "Sensor Echo", Priority: 30, Enabled: true}
}

// Run starts the worker loop. This blocks until the context is canceled.
func (w *SensorEcho) Run(ctx context.Context) error {
	writeStatus(w.store, w.logger, SensorEchoID, domain.StateRunning, "")
	appendLog(w.store, w.logger, SensorEchoID, "sensor echo worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeStatus(w.store, w.logger, SensorEchoID, domain.StateStopped, "")
			appendLog(w.store, w.logger, SensorEchoID, "sensor echo worker stopping")
			return ctx.Err()

		case <-ticker.C:
			w.sample()
		}
	}
}

// sample writes one reading. A write failure skips the cycle and keeps the
// loop alive, same as the scanner's snapshot discipline.
func (w *SensorEcho) sample() {
	w.count++
	s := sensorSample{
		Count:     w.count,
		Timestamp: time.Now(),
		TiltX:     w.rng.Intn(201) - 100,
		TiltY:     w.rng.Intn(201) - 100,
		LightPct:  w.rng.Intn(101),
	}

	data, err := json.Marshal(s)
	if err != nil {
		w.logger.Warn("sensor sample encode failed", zap.Error(err))
		return
	}

	if err := w.store.WriteOutArtifact("sensor_data", data); err != nil {
		appendLog(w.store, w.logger, SensorEchoID, "sensor data write failed: "+err.Error())
	}
}
