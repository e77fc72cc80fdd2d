package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

func TestLogAlerterWritesErrorRecord(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	a := NewLogAlerter(telemetry.NewLogger(&buf, slog.LevelInfo), m)

	a.Raise(context.Background(), Alert{
		Kind:    KindOutboxFailed,
		Subject: "msg-1",
		Message: "outbox message exhausted retries",
		Attrs:   []any{"retry_count", 5},
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, true, rec["alert"])
	assert.Equal(t, "msg-1", rec["subject"])
	assert.EqualValues(t, 5, rec["retry_count"])

	count, err := testutil.GatherAndCount(reg, "fulfillment_alerts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecorderAndMulti(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	Multi{r1, nil, r2}.Raise(context.Background(), Alert{Kind: KindSagaFailed, Subject: "s"})

	assert.Equal(t, 1, r1.Count(KindSagaFailed))
	assert.Equal(t, 1, r2.Count(KindSagaFailed))
	assert.Equal(t, 0, r1.Count(KindOutboxFailed))
	assert.Len(t, r1.Alerts(), 1)
}
