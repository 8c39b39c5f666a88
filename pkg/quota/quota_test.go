package quota_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/quota"
)

func TestSampleEmitsWarningAtThreshold(t *testing.T) {
	var usage int64 = 90
	m := quota.New(quota.Config{
		LimitBytes: 100,
		UsageFunc:  func() (int64, error) { return usage, nil },
	})
	evt, err := m.Sample()
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, quota.SeverityCritical, evt.Severity)
}

func TestSampleBelowThresholdEmitsNothing(t *testing.T) {
	var usage int64 = 10
	m := quota.New(quota.Config{
		LimitBytes: 100,
		UsageFunc:  func() (int64, error) { return usage, nil },
	})
	evt, err := m.Sample()
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestListenersReceiveEvents(t *testing.T) {
	var usage int64 = 96
	m := quota.New(quota.Config{
		LimitBytes: 100,
		UsageFunc:  func() (int64, error) { return usage, nil },
	})
	var got atomic.Int32
	var mu sync.Mutex
	var lastSeverity quota.Severity
	m.OnWarning(func(e quota.Event) {
		got.Add(1)
		mu.Lock()
		lastSeverity = e.Severity
		mu.Unlock()
	})

	_, err := m.Sample()
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, quota.SeverityEmergency, lastSeverity)

	// A second sample at the same ratio stays in the emergency band: no
	// re-delivery until the band actually changes (spec §8 scenario S6).
	_, err = m.Sample()
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Load())
}

func TestHistoryKeepsEverySample(t *testing.T) {
	usage := int64(10)
	m := quota.New(quota.Config{
		LimitBytes: 1000,
		UsageFunc:  func() (int64, error) { return usage, nil },
	})
	var evt *quota.Event
	for i := 0; i < 6; i++ {
		usage += 5
		e, err := m.Sample()
		require.NoError(t, err)
		if e != nil {
			evt = e
		}
	}
	_ = evt // usage stays well under threshold; this exercises the history path without asserting severity
	history := m.History()
	assert.Len(t, history, 6)
}

func TestRecordOperationOnlySamplesOnInterval(t *testing.T) {
	var calls int32
	m := quota.New(quota.Config{
		LimitBytes:    100,
		CheckInterval: 3,
		UsageFunc: func() (int64, error) {
			atomic.AddInt32(&calls, 1)
			return 5, nil
		},
	})
	for i := 0; i < 2; i++ {
		evt, err := m.RecordOperation()
		require.NoError(t, err)
		assert.Nil(t, evt)
	}
	_, err := m.RecordOperation()
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
