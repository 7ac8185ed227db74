package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	RunInfo.Reset()

	Init("run-1", "mlx5_0")

	assert.Equal(t, float64(1), testutil.ToFloat64(RunInfo.WithLabelValues("run-1", "mlx5_0", Version)))
}

func TestRecordTest(t *testing.T) {
	TestsTotal.Reset()
	TestDuration.Reset()

	RecordTest("sig_types", "pass", 10*time.Millisecond)
	RecordTest("sig_types", "pass", 20*time.Millisecond)
	RecordTest("sig_types", "skip", 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(TestsTotal.WithLabelValues("sig_types", "pass")))
	assert.Equal(t, float64(1), testutil.ToFloat64(TestsTotal.WithLabelValues("sig_types", "skip")))
	assert.Equal(t, 1, testutil.CollectAndCount(TestDuration))
}

func TestRecordSigError(t *testing.T) {
	SigErrorsTotal.Reset()

	RecordSigError("bad guard")
	RecordSigError("bad guard")

	assert.Equal(t, float64(2), testutil.ToFloat64(SigErrorsTotal.WithLabelValues("bad guard")))
}

func TestRecordCompletion(t *testing.T) {
	WorkRequestsTotal.Reset()

	RecordCompletion("rdma_read", "success")

	assert.Equal(t, float64(1), testutil.ToFloat64(WorkRequestsTotal.WithLabelValues("rdma_read", "success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(WorkRequestsTotal.WithLabelValues("rdma_read", "work request flushed")))
}

func TestSetDeviceCounters(t *testing.T) {
	DeviceCounter.Reset()

	SetDeviceCounters(map[string]interface{}{
		"rdma_reads": int64(3),
		"sends":      7,
		"ignored":    "text",
	})

	assert.Equal(t, float64(3), testutil.ToFloat64(DeviceCounter.WithLabelValues("rdma_reads")))
	assert.Equal(t, float64(7), testutil.ToFloat64(DeviceCounter.WithLabelValues("sends")))
	assert.Equal(t, 2, testutil.CollectAndCount(DeviceCounter))
}
