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

// Metrics exposes application-level instruments.
type Metrics struct {
	admissionAllowed metric.Int64Counter
	admissionBlocked metric.Int64Counter
	routingDecisions metric.Int64Counter
	ledgerEntries    metric.Int64Counter
	reconcileRuns    metric.Int64Counter
	pricingRefresh   metric.Int64Counter
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "ptmeter"
	}
	meter := provider.Meter(name)

	admissionAllowed, err := meter.Int64Counter("ptmeter_admission_allowed_total")
	if err != nil {
		return nil, err
	}
	admissionBlocked, err := meter.Int64Counter("ptmeter_admission_blocked_total")
	if err != nil {
		return nil, err
	}
	routingDecisions, err := meter.Int64Counter("ptmeter_routing_decisions_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("ptmeter_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	reconcileRuns, err := meter.Int64Counter("ptmeter_reconcile_runs_total")
	if err != nil {
		return nil, err
	}
	pricingRefresh, err := meter.Int64Counter("ptmeter_pricing_refresh_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		admissionAllowed: admissionAllowed,
		admissionBlocked: admissionBlocked,
		routingDecisions: routingDecisions,
		ledgerEntries:    ledgerEntries,
		reconcileRuns:    reconcileRuns,
		pricingRefresh:   pricingRefresh,
	}, nil
}

// RecordAdmissionAllowed increments pass decisions.
func (m *Metrics) RecordAdmissionAllowed(ctx context.Context, class string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("pt_class", strings.TrimSpace(class)))
	m.admissionAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdmissionBlocked increments block decisions by reason.
func (m *Metrics) RecordAdmissionBlocked(ctx context.Context, class, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("pt_class", strings.TrimSpace(class)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.admissionBlocked.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRoutingDecision increments router outcomes.
func (m *Metrics) RecordRoutingDecision(ctx context.Context, decision, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("decision", strings.TrimSpace(decision)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.routingDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transaction_type", strings.TrimSpace(transactionType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileRun increments reconciliation runs by outcome.
func (m *Metrics) RecordReconcileRun(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.reconcileRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPricingRefresh increments pricing snapshot refresh attempts.
func (m *Metrics) RecordPricingRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.pricingRefresh.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"pt_class":         {},
	"reason":           {},
	"decision":         {},
	"transaction_type": {},
	"outcome":          {},
	"job":              {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
