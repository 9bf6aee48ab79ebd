package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("open")
	assert.Equal(t, 1.0, testutil.ToFloat64(StorageBreakerOpen))
	SetBreakerState("half-open")
	assert.Equal(t, 0.0, testutil.ToFloat64(StorageBreakerOpen))
}
