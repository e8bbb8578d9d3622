package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/telemetry"
)

func TestNewS3ColdExporterDisabledWithoutBucket(t *testing.T) {
	exporter, err := NewS3ColdExporter(context.Background(), "", "", "")
	require.NoError(t, err)
	require.Nil(t, exporter)
}

func TestWithColdExporterIsOptional(t *testing.T) {
	m := New(&fakeApplier{}, telemetry.New(8), DefaultPolicies())
	require.Nil(t, m.exporter)

	m = New(&fakeApplier{}, telemetry.New(8), DefaultPolicies(), WithColdExporter(fakeExporter{}))
	require.NotNil(t, m.exporter)
}

type fakeExporter struct{}

func (fakeExporter) Export(ctx context.Context, table string, before time.Time) error { return nil }
