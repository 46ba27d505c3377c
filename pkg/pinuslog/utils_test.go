package pinuslog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func BenchmarkPrintfAddress(b *testing.B) {
	num := 10
	for i := 0; i < b.N; i++ {
		_ = fmt.Sprintf("%p", &num)
	}
}

func BenchmarkGetPointer(b *testing.B) {
	num := 10
	for i := 0; i < b.N; i++ {
		_ = GetPointer(&num)
	}
}

type endpointStub struct {
	Name string
}

func TestGetPointer(t *testing.T) {
	tests := []interface{}{true, 123, "orders", endpointStub{Name: "db0"}}
	for _, test := range tests {
		expected := fmt.Sprintf("%p", &test)

		result := GetPointer(&test)
		fmtOutput := fmt.Sprintf("0x%x", result)

		assert.Equal(t, expected, fmtOutput)
	}
}

func TestSlowOpLoggerThreshold(t *testing.T) {
	assert := assert.New(t)

	l := NewSlowOpLogger(10 * time.Millisecond)
	assert.False(l.shouldLog(5 * time.Millisecond))
	assert.True(l.shouldLog(20 * time.Millisecond))

	disabled := NewSlowOpLogger(-1)
	assert.False(disabled.shouldLog(time.Hour))

	var nilLogger *SlowOpLogger
	assert.False(nilLogger.shouldLog(time.Hour))
}
