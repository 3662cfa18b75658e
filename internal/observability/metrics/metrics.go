package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments. The six merge buckets map
// one-to-one onto the reconciliation result accounting.
type Metrics struct {
	mergeInserted    metric.Int64Counter
	mergeUpdated     metric.Int64Counter
	mergeInvalidated metric.Int64Counter
	mergeClaimed     metric.Int64Counter
	mergeShortened   metric.Int64Counter
	mergeEnded       metric.Int64Counter

	modeTransitions metric.Int64Counter
	autoCorrections metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metric instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "loopcore"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error

	if m.mergeInserted, err = meter.Int64Counter("merge_records_inserted_total",
		metric.WithDescription("Remote records inserted as new local records")); err != nil {
		return nil, err
	}
	if m.mergeUpdated, err = meter.Int64Counter("merge_records_updated_total",
		metric.WithDescription("Local records updated from a matched remote record")); err != nil {
		return nil, err
	}
	if m.mergeInvalidated, err = meter.Int64Counter("merge_records_invalidated_total",
		metric.WithDescription("Local records invalidated by a remote record")); err != nil {
		return nil, err
	}
	if m.mergeClaimed, err = meter.Int64Counter("merge_remote_ids_claimed_total",
		metric.WithDescription("Remote ids attached to existing local records")); err != nil {
		return nil, err
	}
	if m.mergeShortened, err = meter.Int64Counter("merge_durations_shortened_total",
		metric.WithDescription("Local interval durations shortened by a remote edit")); err != nil {
		return nil, err
	}
	if m.mergeEnded, err = meter.Int64Counter("merge_intervals_ended_total",
		metric.WithDescription("Active intervals closed by a remote ending event")); err != nil {
		return nil, err
	}
	if m.modeTransitions, err = meter.Int64Counter("mode_transitions_total",
		metric.WithDescription("Running-mode transitions, by mode and source")); err != nil {
		return nil, err
	}
	if m.autoCorrections, err = meter.Int64Counter("mode_auto_corrections_total",
		metric.WithDescription("Auto-forced corrections written by the precheck")); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordMerge adds one merge call's result buckets.
func (m *Metrics) RecordMerge(ctx context.Context, kind string, inserted, updated, invalidated, claimed, shortened, ended int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.mergeInserted.Add(ctx, int64(inserted), attrs)
	m.mergeUpdated.Add(ctx, int64(updated), attrs)
	m.mergeInvalidated.Add(ctx, int64(invalidated), attrs)
	m.mergeClaimed.Add(ctx, int64(claimed), attrs)
	m.mergeShortened.Add(ctx, int64(shortened), attrs)
	m.mergeEnded.Add(ctx, int64(ended), attrs)
}

// RecordTransition counts a mode transition.
func (m *Metrics) RecordTransition(ctx context.Context, mode, source string, autoForced bool) {
	if m == nil {
		return
	}
	m.modeTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("source", source),
	))
	if autoForced {
		m.autoCorrections.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp metric protocol %q", protocol)
	}
}
