// Package export publishes peer lifecycle and routing events to Kafka for
// downstream ingestion. Raw message payloads ride along zstd-compressed in
// a record header when enabled.
package export

import (
	"context"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/api"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/peer"
)

type Exporter struct {
	client       *kgo.Client
	topic        string
	includeRaw   bool
	compressRaw  bool
	flushTimeout time.Duration
	encoder      *zstd.Encoder
	logger       *zap.Logger
}

func New(cfg config.ExportConfig, logger *zap.Logger) (*Exporter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, err
	}
	e := &Exporter{
		client:       client,
		topic:        cfg.Topic,
		includeRaw:   cfg.IncludeRaw,
		compressRaw:  cfg.CompressRaw,
		flushTimeout: time.Duration(cfg.FlushTimeoutS) * time.Second,
		logger:       logger,
	}
	if cfg.IncludeRaw && cfg.CompressRaw {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			client.Close()
			return nil, err
		}
		e.encoder = enc
	}
	return e, nil
}

// PeerEvent publishes one event, keyed by peer name so a partition carries
// one peer's events in order.
func (e *Exporter) PeerEvent(ev peer.Event) {
	rec := &kgo.Record{
		Topic: e.topic,
		Key:   []byte(ev.Peer),
		Value: []byte(api.EncodeEvent(ev, api.EncodingJSON)),
	}
	if e.includeRaw && len(ev.Raw) > 0 {
		raw := ev.Raw
		if e.encoder != nil {
			raw = e.encoder.EncodeAll(ev.Raw, nil)
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "raw-encoding", Value: []byte("zstd")})
		}
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "raw", Value: raw})
	}
	e.client.Produce(context.Background(), rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.ExportedEventsTotal.WithLabelValues(ev.Type, "error").Inc()
			e.logger.Warn("export produce failed", zap.Error(err))
			return
		}
		metrics.ExportedEventsTotal.WithLabelValues(ev.Type, "ok").Inc()
	})
}

// Close flushes outstanding records within the configured timeout.
func (e *Exporter) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), e.flushTimeout)
	defer cancel()
	if err := e.client.Flush(ctx); err != nil {
		e.logger.Warn("export flush incomplete", zap.Error(err))
	}
	e.client.Close()
	if e.encoder != nil {
		e.encoder.Close()
	}
}
