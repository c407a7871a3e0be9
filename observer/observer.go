// Package observer provides OTEL-based observability for the harness
// gateway.
//
// It exposes an Instruments bundle the gateway records into: session and
// command counters, PTY byte throughput, and hub publish counts. Users
// export to any OTEL-compatible backend by setting standard OTEL env vars. All
// recording helpers are nil-receiver safe, so callers never branch on
// whether telemetry is enabled.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/jmoyers/harness-sub010/observer"

// Instruments holds all OTEL instruments used by the gateway.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	SessionsStarted metric.Int64Counter
	SessionsExited  metric.Int64Counter
	PtyBytes        metric.Int64Counter
	Commands        metric.Int64Counter
	EventsPublished metric.Int64Counter

	// Histograms
	CommandDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on daemon exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("harness")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	sessionsStarted, err := meter.Int64Counter("harness.sessions.started",
		metric.WithDescription("PTY sessions started"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	sessionsExited, err := meter.Int64Counter("harness.sessions.exited",
		metric.WithDescription("PTY sessions exited"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	ptyBytes, err := meter.Int64Counter("harness.pty.bytes",
		metric.WithDescription("PTY output bytes observed"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	commands, err := meter.Int64Counter("harness.commands",
		metric.WithDescription("Gateway commands dispatched"),
		metric.WithUnit("{command}"))
	if err != nil {
		return nil, err
	}

	eventsPublished, err := meter.Int64Counter("harness.events.published",
		metric.WithDescription("Observed events published on the hub"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	commandDuration, err := meter.Float64Histogram("harness.command.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		SessionsStarted: sessionsStarted,
		SessionsExited:  sessionsExited,
		PtyBytes:        ptyBytes,
		Commands:        commands,
		EventsPublished: eventsPublished,
		CommandDuration: commandDuration,
	}, nil
}

// RecordCommand counts one dispatched command and its duration.
func (in *Instruments) RecordCommand(ctx context.Context, cmdType string, ok bool, elapsed time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command.type", cmdType),
		attribute.Bool("command.ok", ok),
	)
	in.Commands.Add(ctx, 1, attrs)
	in.CommandDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// RecordSessionStarted counts one session start.
func (in *Instruments) RecordSessionStarted(ctx context.Context, agent string) {
	if in == nil {
		return
	}
	in.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.type", agent)))
}

// RecordSessionExited counts one session exit.
func (in *Instruments) RecordSessionExited(ctx context.Context, agent string) {
	if in == nil {
		return
	}
	in.SessionsExited.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.type", agent)))
}

// RecordPtyBytes counts observed PTY output.
func (in *Instruments) RecordPtyBytes(ctx context.Context, n int) {
	if in == nil {
		return
	}
	in.PtyBytes.Add(ctx, int64(n))
}

// RecordEventPublished counts one hub event.
func (in *Instruments) RecordEventPublished(ctx context.Context, eventType string) {
	if in == nil {
		return
	}
	in.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}
