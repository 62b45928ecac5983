package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/cohortdiag/config"
)

// saveAndRestoreGlobalProviders 测试结束后恢复全局 provider
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, Service{Role: "site"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cohortdiag-test",
		SampleRate:   0.5,
	}
	p, err := Init(cfg, Service{Role: "central"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(config.TelemetryConfig{}, Service{Role: "site", OrganizationID: "org-a"})
	set := attribute.NewSet(attrs...)

	name, ok := set.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "cohortdiag", name.AsString())

	role, ok := set.Value(RoleKey)
	require.True(t, ok)
	assert.Equal(t, "site", role.AsString())

	org, ok := set.Value(OrganizationKey)
	require.True(t, ok)
	assert.Equal(t, "org-a", org.AsString())

	central := attribute.NewSet(resourceAttributes(config.TelemetryConfig{ServiceName: "hub"}, Service{Role: "central"})...)
	_, ok = central.Value(OrganizationKey)
	assert.False(t, ok)
}

func TestVersion(t *testing.T) {
	// 测试二进制的主模块版本为 (devel)
	assert.Equal(t, "dev", Version())
}
