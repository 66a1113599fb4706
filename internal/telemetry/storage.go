package telemetry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
)

const storageScopeName = instrumentationScope + "/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics. Every
// method gets a span and is counted in recovery.storage.* metrics.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation, or s itself when
// enabled is false.
func WrapStore(s storage.Store, enabled bool) storage.Store {
	if !enabled {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("recovery.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("recovery.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("recovery.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func accountAttr(account common.Address) attribute.KeyValue {
	return attribute.String("recovery.account", account.Hex())
}

func (s *InstrumentedStore) View(ctx context.Context, account common.Address) (model.AccountState, error) {
	attrs := []attribute.KeyValue{accountAttr(account)}
	ctx, span, t := s.op(ctx, "View", attrs...)
	v, err := s.inner.View(ctx, account)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Update(ctx context.Context, account common.Address, fn func(*model.AccountState) error) error {
	attrs := []attribute.KeyValue{accountAttr(account)}
	ctx, span, t := s.op(ctx, "Update", attrs...)
	err := s.inner.Update(ctx, account, fn)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) AppendEvent(ctx context.Context, event model.Event) (model.Event, error) {
	attrs := []attribute.KeyValue{accountAttr(event.Account), attribute.String("recovery.event", string(event.Type))}
	ctx, span, t := s.op(ctx, "AppendEvent", attrs...)
	v, err := s.inner.AppendEvent(ctx, event)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListEvents(ctx context.Context, account common.Address) ([]model.Event, error) {
	attrs := []attribute.KeyValue{accountAttr(account)}
	ctx, span, t := s.op(ctx, "ListEvents", attrs...)
	v, err := s.inner.ListEvents(ctx, account)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PutNonce(ctx context.Context, nonce model.Nonce) error {
	ctx, span, t := s.op(ctx, "PutNonce")
	err := s.inner.PutNonce(ctx, nonce)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) ConsumeNonce(ctx context.Context, nonce string) (model.Nonce, error) {
	ctx, span, t := s.op(ctx, "ConsumeNonce")
	v, err := s.inner.ConsumeNonce(ctx, nonce)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) CleanupExpired(ctx context.Context, now time.Time) error {
	ctx, span, t := s.op(ctx, "CleanupExpired")
	err := s.inner.CleanupExpired(ctx, now)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Remember(ctx context.Context, key string, response storage.StoredResponse) error {
	ctx, span, t := s.op(ctx, "Remember")
	err := s.inner.Remember(ctx, key, response)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Recall(ctx context.Context, key string) (storage.StoredResponse, bool) {
	ctx, span, t := s.op(ctx, "Recall")
	v, ok := s.inner.Recall(ctx, key)
	span.SetAttributes(attribute.Bool("recovery.idempotency.hit", ok))
	s.done(ctx, span, t, nil)
	return v, ok
}

func (s *InstrumentedStore) AddSigningKey(ctx context.Context, key model.JWTSigningKey) error {
	attrs := []attribute.KeyValue{attribute.String("recovery.kid", key.ID)}
	ctx, span, t := s.op(ctx, "AddSigningKey", attrs...)
	err := s.inner.AddSigningKey(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetSigningKeyByID(ctx context.Context, keyID string) (model.JWTSigningKey, error) {
	attrs := []attribute.KeyValue{attribute.String("recovery.kid", keyID)}
	ctx, span, t := s.op(ctx, "GetSigningKeyByID", attrs...)
	v, err := s.inner.GetSigningKeyByID(ctx, keyID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetCurrentSigningKey(ctx context.Context) (model.JWTSigningKey, error) {
	ctx, span, t := s.op(ctx, "GetCurrentSigningKey")
	v, err := s.inner.GetCurrentSigningKey(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ListActiveSigningKeys(ctx context.Context) ([]model.JWTSigningKey, error) {
	ctx, span, t := s.op(ctx, "ListActiveSigningKeys")
	v, err := s.inner.ListActiveSigningKeys(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) RetireSigningKey(ctx context.Context, keyID string, retiredAt time.Time) error {
	attrs := []attribute.KeyValue{attribute.String("recovery.kid", keyID)}
	ctx, span, t := s.op(ctx, "RetireSigningKey", attrs...)
	err := s.inner.RetireSigningKey(ctx, keyID, retiredAt)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// Ping forwards to the wrapped store when it can report connectivity.
func (s *InstrumentedStore) Ping(ctx context.Context) error {
	p, ok := s.inner.(storage.Pinger)
	if !ok {
		return nil
	}
	ctx, span, t := s.op(ctx, "Ping")
	err := p.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

var (
	_ storage.Store  = (*InstrumentedStore)(nil)
	_ storage.Pinger = (*InstrumentedStore)(nil)
)
