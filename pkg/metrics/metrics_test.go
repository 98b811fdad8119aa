package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dtp/pkg/unit"
)

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("dtp", reg)

	p.UnitReceived(unit.Data)
	p.UnitReceived(unit.Data)
	p.UnitSent(unit.RetransmitRequest)
	p.UnitDropped("invalid_cookie")
	p.Retransmit()
	p.TransactionOpened()
	p.TransactionOpened()
	p.TransactionClosed("completed")
	p.BytesWritten(10)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.received.WithLabelValues("DATA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sent.WithLabelValues("RETRANSMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dropped.WithLabelValues("invalid_cookie")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retransmits))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.closed.WithLabelValues("completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(p.bytesWritten))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)

	assert.Panics(t, func() { NewPrometheus("dtp", reg) })
}

func TestDummy(t *testing.T) {
	d := NewDummy()
	assert.NotPanics(t, func() {
		d.UnitReceived(unit.Start)
		d.TransactionClosed("failed")
		d.BytesWritten(1)
	})
}
