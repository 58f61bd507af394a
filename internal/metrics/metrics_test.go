package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCacheCounters(t *testing.T) {
	before := testutil.ToFloat64(cacheHits.WithLabelValues("metrics-test"))
	IncCacheHit("metrics-test")
	IncCacheHit("metrics-test")
	assert.Equal(t, before+2, testutil.ToFloat64(cacheHits.WithLabelValues("metrics-test")))

	before = testutil.ToFloat64(mutationOutcomes.WithLabelValues("groups", OutcomeRolledBack))
	IncMutation("groups", OutcomeRolledBack)
	assert.Equal(t, before+1, testutil.ToFloat64(mutationOutcomes.WithLabelValues("groups", OutcomeRolledBack)))
}
