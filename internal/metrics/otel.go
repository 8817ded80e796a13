package metrics

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/steveinatorx/data-pipeline"

// OTelCollector records counters on an OpenTelemetry meter
type OTelCollector struct {
	recordsLanded       metric.Int64Counter
	decodeErrors        metric.Int64Counter
	filesRolled         metric.Int64Counter
	offsetsCommitted    metric.Int64Counter
	rowsCompacted       metric.Int64Counter
	duplicatesDropped   metric.Int64Counter
	partitionsPublished metric.Int64Counter
}

// NewOTelCollector creates the eventlake counters on provider
func NewOTelCollector(provider metric.MeterProvider) (*OTelCollector, error) {
	meter := provider.Meter(meterName)
	c := &OTelCollector{}

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&c.recordsLanded, "eventlake.sink.records_landed", "Records appended to raw files"},
		{&c.decodeErrors, "eventlake.decode_errors", "Records or lines that failed envelope decoding"},
		{&c.filesRolled, "eventlake.sink.files_rolled", "Raw files finalized"},
		{&c.offsetsCommitted, "eventlake.sink.offsets_committed", "Topic partition offsets committed"},
		{&c.rowsCompacted, "eventlake.compactor.rows_written", "Rows written to columnar files"},
		{&c.duplicatesDropped, "eventlake.compactor.duplicates_dropped", "Records discarded by event_id dedup"},
		{&c.partitionsPublished, "eventlake.compactor.partitions_published", "Partitions atomically published"},
	}

	for _, def := range counters {
		counter, err := meter.Int64Counter(def.name, metric.WithDescription(def.description))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", def.name, err)
		}
		*def.dst = counter
	}
	return c, nil
}

func dateAttr(date string) metric.AddOption {
	return metric.WithAttributes(attribute.String("ingest_date", date))
}

func (c *OTelCollector) RecordsLanded(date string, n int) {
	c.recordsLanded.Add(context.Background(), int64(n), dateAttr(date))
}

func (c *OTelCollector) DecodeErrors(component string, n int) {
	c.decodeErrors.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("component", component)))
}

func (c *OTelCollector) FilesRolled(date string) {
	c.filesRolled.Add(context.Background(), 1, dateAttr(date))
}

func (c *OTelCollector) OffsetsCommitted(n int) {
	c.offsetsCommitted.Add(context.Background(), int64(n))
}

func (c *OTelCollector) RowsCompacted(date string, n int) {
	c.rowsCompacted.Add(context.Background(), int64(n), dateAttr(date))
}

func (c *OTelCollector) DuplicatesDropped(date string, n int) {
	c.duplicatesDropped.Add(context.Background(), int64(n), dateAttr(date))
}

func (c *OTelCollector) PartitionsPublished(date string) {
	c.partitionsPublished.Add(context.Background(), 1, dateAttr(date))
}

// Provider wraps the SDK meter provider with its shutdown hook
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Shutdown      func(context.Context) error
}

// NewProvider builds a MeterProvider that exports over OTLP/gRPC to
// endpoint every interval. An empty endpoint yields a provider without
// readers whose Shutdown is a no-op.
func NewProvider(ctx context.Context, endpoint, serviceName string, interval time.Duration) (*Provider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &Provider{
			MeterProvider: sdkmetric.NewMeterProvider(),
			Shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	// OTLP gRPC dials host:port; any path is dropped
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if u.Scheme != "https" {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)

	log.Printf("📊 Exporting metrics to %s every %s", u.Host, interval)
	return &Provider{
		MeterProvider: mp,
		Shutdown:      mp.Shutdown,
	}, nil
}
