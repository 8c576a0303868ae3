// Package telemetry writes scene controller activity to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/scene"
)

// Measurement is the InfluxDB measurement name for activity points.
const Measurement = "scene_switch"

const defaultConnectTimeout = 10 * time.Second

var (
	// ErrDisabled indicates InfluxDB telemetry is disabled in config.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Config contains InfluxDB connection settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

// Writer records activities as InfluxDB points using the non-blocking write API.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu     sync.RWMutex
	closed bool
}

var _ scene.Recorder = (*Writer)(nil)

// Connect pings the server and prepares the batched write API.
func Connect(cfg Config) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval.Milliseconds())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := &Writer{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go w.handleWriteErrors(w.writeAPI.Errors())

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Connected to InfluxDB")
	return w, nil
}

func (w *Writer) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		log.Warn().Err(err).Msg("InfluxDB write failed")
	}
}

// Record queues a point for the activity.
func (w *Writer) Record(a scene.Activity) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.writeAPI.WritePoint(activityPoint(a))
}

// Flush forces pending points to be written.
func (w *Writer) Flush() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		w.writeAPI.Flush()
	}
}

// Close flushes pending points and closes the client.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.writeAPI.Flush()
	w.client.Close()
}

func activityPoint(a scene.Activity) *write.Point {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}

	fields := map[string]interface{}{
		"scene_index": a.SceneIndex,
		"scene_name":  a.SceneName,
	}
	if a.BatchID != "" {
		fields["batch_id"] = a.BatchID
	}

	tags := map[string]string{
		"controller": a.Controller,
		"kind":       string(a.Kind),
		"scene":      strconv.Itoa(a.SceneIndex),
	}
	if a.Reason != "" {
		tags["reason"] = a.Reason
	}

	return write.NewPoint(Measurement, tags, fields, at)
}
