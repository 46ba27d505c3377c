package statistics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordQDBOperationCountsErrors(t *testing.T) {
	assert := assert.New(t)

	before := testutil.ToFloat64(qdbErrors.WithLabelValues("test_op"))
	RecordQDBOperation("test_op", time.Millisecond, nil)
	RecordQDBOperation("test_op", time.Millisecond, errors.New("boom"))

	assert.Equal(before+1, testutil.ToFloat64(qdbErrors.WithLabelValues("test_op")))
}

func TestRecordRoute(t *testing.T) {
	assert := assert.New(t)

	ok := testutil.ToFloat64(routesTotal.WithLabelValues("ok"))
	bad := testutil.ToFloat64(routesTotal.WithLabelValues("error"))

	RecordRoute(nil)
	RecordRoute(nil)
	RecordRoute(errors.New("no region"))

	assert.Equal(ok+2, testutil.ToFloat64(routesTotal.WithLabelValues("ok")))
	assert.Equal(bad+1, testutil.ToFloat64(routesTotal.WithLabelValues("error")))
}

func TestRecordLockWait(t *testing.T) {
	before := testutil.ToFloat64(lockTimeouts)
	RecordLockWait(time.Second, true)
	RecordLockWait(time.Second, false)
	assert.Equal(t, before+1, testutil.ToFloat64(lockTimeouts))
}

func TestRecordLifecycleState(t *testing.T) {
	RecordLifecycleState(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(lifecycleState))
}
