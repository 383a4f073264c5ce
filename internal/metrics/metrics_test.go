package metrics_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

func TestStatusOf(t *testing.T) {
	assert.Equal(t, metrics.StatusSuccess, metrics.StatusOf(nil))
	assert.Equal(t, metrics.StatusNotFound, metrics.StatusOf(fmt.Errorf("x: %w", domain.ErrNotFound)))
	assert.Equal(t, metrics.StatusConflict, metrics.StatusOf(domain.Conflictf("dup")))
	assert.Equal(t, metrics.StatusValidation, metrics.StatusOf(domain.Validationf("bad")))
	assert.Equal(t, metrics.StatusError, metrics.StatusOf(errors.New("boom")))
}

func TestObserveCountsByStatus(t *testing.T) {
	before := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("test", "op", metrics.StatusNotFound))
	metrics.Observe("test", "op", time.Now(), domain.NotFoundf("gone"))
	after := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("test", "op", metrics.StatusNotFound))
	assert.Equal(t, before+1, after)
}

func TestDisableStopsRecording(t *testing.T) {
	metrics.Disable()
	defer metrics.Enable()

	before := testutil.ToFloat64(metrics.ToDeviceDroppedTotal)
	metrics.RecordToDeviceDropped()
	assert.Equal(t, before, testutil.ToFloat64(metrics.ToDeviceDroppedTotal))
}
