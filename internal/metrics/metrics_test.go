package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDecision(t *testing.T) {
	assert.Equal(t, "allowed", Decision(true))
	assert.Equal(t, "denied", Decision(false))
}

func TestCollectorsRegistered(t *testing.T) {
	base := testutil.ToFloat64(Deliveries.WithLabelValues("user"))
	Deliveries.WithLabelValues("user").Add(2)
	assert.Equal(t, base+2, testutil.ToFloat64(Deliveries.WithLabelValues("user")))

	ConnectionsActive.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ConnectionsActive))

	err := prometheus.DefaultRegisterer.Register(UsersOnline)
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}
