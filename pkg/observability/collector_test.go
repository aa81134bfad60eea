package observability

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestCollector_RecordsOutcomes(t *testing.T) {
	c := NewCollector("test")

	c.CommitRecorded("relation", nil)
	c.CommitRecorded("relation", apperrors.NewConflictError("dup"))
	c.CommitRecorded("field", apperrors.NewTransientStoreError("patchAttribute", stderrors.New("reset")))
	c.EventPublished("edit")
	c.EventDropped("presence")
	c.SessionsChanged(3)

	assert.Equal(t, 1.0, value(t, c.Commits.WithLabelValues("relation", "success")))
	assert.Equal(t, 1.0, value(t, c.Commits.WithLabelValues("relation", "satisfied")))
	assert.Equal(t, 1.0, value(t, c.Commits.WithLabelValues("field", "transient")))
	assert.Equal(t, 1.0, value(t, c.EventsPublished.WithLabelValues("edit")))
	assert.Equal(t, 1.0, value(t, c.EventsDropped.WithLabelValues("presence")))
	assert.Equal(t, 3.0, value(t, c.OpenSessions))
}

func TestCollector_WatchGauge(t *testing.T) {
	c := NewCollector("test")
	c.WatchGauge("test", "presence_claims", "claims", func() float64 { return 7 })

	families, err := c.Registry().Gather()

	assert.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "test_presence_claims" {
			found = true
			assert.Equal(t, 7.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

type mockCloudWatch struct {
	mock.Mock
}

func (m *mockCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	args := m.Called(ctx, in)
	return &cloudwatch.PutMetricDataOutput{}, args.Error(0)
}

func TestMetrics_RecordFanout(t *testing.T) {
	client := new(mockCloudWatch)
	client.On("PutMetricData", mock.Anything, mock.MatchedBy(func(in *cloudwatch.PutMetricDataInput) bool {
		return *in.Namespace == "graphcollab" && len(in.MetricData) == 3
	})).Return(nil)

	NewMetrics("graphcollab", client, zap.NewNop()).RecordFanout(context.Background(), "edit", 4, 1, 20*time.Millisecond)

	client.AssertExpectations(t)
}

func TestTracer_PassThroughWithoutSegment(t *testing.T) {
	called := false
	err := NewTracer("graphcollab", true).TraceFunction(context.Background(), "store.findAll", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, called)
}
