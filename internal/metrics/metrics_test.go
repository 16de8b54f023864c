package metrics

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Registers(t *testing.T) {
	c := qt.New(t)

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Predictions.WithLabelValues(OutcomeSuccess).Inc()
	m.Predictions.WithLabelValues(OutcomeSuccess).Inc()
	m.InferenceDuration.Observe(0.2)

	c.Check(testutil.ToFloat64(m.Predictions.WithLabelValues(OutcomeSuccess)), qt.Equals, 2.0)
	c.Check(testutil.CollectAndCount(m.InferenceDuration), qt.Equals, 1)

	c.Check(func() { New(reg) }, qt.PanicMatches, ".*duplicate metrics collector registration attempted.*")
}
