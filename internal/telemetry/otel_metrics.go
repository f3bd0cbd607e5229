package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/cudaipc"

// Metrics contains the instruments of the IPC transport
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// Bytes and operations issued by GET/PUT zero-copy
	transferBytes metric.Int64Counter
	transferOps   metric.Int64Counter

	// Operations issued but not yet completed
	outstanding metric.Int64UpDownCounter

	completions   metric.Int64Counter
	attaches      metric.Int64Counter
	registrations metric.Int64Counter
}

// NewMetrics creates a metrics instance exporting to an OTLP collector
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	endpoint, scheme, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName("cudaipc"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	m, err := newInstruments(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// parseCollectorAddr splits "scheme://host:port" or a bare "host:port"
// (which defaults to grpc).
func parseCollectorAddr(addr string) (string, string, error) {
	if !strings.Contains(addr, "://") {
		if addr == "" || strings.Contains(addr, "/") || !strings.Contains(addr, ":") {
			return "", "", fmt.Errorf("collector address '%s' is not a valid host:port (e.g. localhost:4317)", addr)
		}
		return addr, "grpc", nil
	}

	parsedURL, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse collector address '%s': %w", addr, err)
	}
	if parsedURL.Host == "" {
		return "", "", fmt.Errorf("collector address '%s' is missing a host", addr)
	}
	return parsedURL.Host, strings.ToLower(parsedURL.Scheme), nil
}

// NewMetricsWithReader creates a metrics instance backed by a local SDK
// provider that feeds reader. Used for in-process inspection.
func NewMetricsWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newInstruments(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewNoopMetrics creates a metrics instance that records nothing
func NewNoopMetrics() *Metrics {
	m, err := newInstruments(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// the noop meter never fails
		panic(err)
	}
	return m
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	transferBytes, err := meter.Int64Counter(
		"cudaipc.transfer.bytes",
		metric.WithDescription("Bytes issued by zero-copy GET/PUT"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	transferOps, err := meter.Int64Counter(
		"cudaipc.transfer.ops",
		metric.WithDescription("Zero-copy operations issued"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	outstanding, err := meter.Int64UpDownCounter(
		"cudaipc.transfer.outstanding",
		metric.WithDescription("Zero-copy operations issued but not completed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	completions, err := meter.Int64Counter(
		"cudaipc.completions",
		metric.WithDescription("Completions delivered by progress"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	attaches, err := meter.Int64Counter(
		"cudaipc.attaches",
		metric.WithDescription("Remote segment lookups, by cache result"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	registrations, err := meter.Int64Counter(
		"cudaipc.registrations",
		metric.WithDescription("Memory registrations, by cache result"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transferBytes: transferBytes,
		transferOps:   transferOps,
		outstanding:   outstanding,
		completions:   completions,
		attaches:      attaches,
		registrations: registrations,
	}, nil
}

// RecordTransfer records an issued GET or PUT of n bytes
func (m *Metrics) RecordTransfer(op string, n uint64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.transferBytes.Add(ctx, int64(n), attrs)
	m.transferOps.Add(ctx, 1, attrs)
	m.outstanding.Add(ctx, 1)
}

// RecordCompletion records n completions taken from queue
func (m *Metrics) RecordCompletion(queue string, n int) {
	if n == 0 {
		return
	}
	ctx := context.Background()
	m.completions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("queue", queue)))
	m.outstanding.Add(ctx, -int64(n))
}

// RecordAttach records a remote segment lookup
func (m *Metrics) RecordAttach(cached bool) {
	result := "miss"
	if cached {
		result = "hit"
	}
	m.attaches.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache", result)))
}

// RecordRegistration records a registration; result is "hit", "miss" or
// "uncached"
func (m *Metrics) RecordRegistration(result string) {
	m.registrations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache", result)))
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
