package metrics

import (
	"strings"
	"testing"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/session"
	"GoISG/internal/errors"
	"GoISG/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []NamespaceStats

func (s staticSource) NamespaceStats() []NamespaceStats { return s }

func TestObserverCounters(t *testing.T) {
	m := NewMetrics(nil)
	o := m.Namespace("default")

	o.Packet(model.VerdictAccept, 100)
	o.Packet(model.VerdictAccept, 50)
	o.Packet(model.VerdictDrop, 10)
	o.EventSent(protocol.EventSessStart)
	o.EventDropped(protocol.EventSessStop)
	o.Command(protocol.EventSessApprove, protocol.Ack())
	o.Command(protocol.EventSessApprove, protocol.Nack(errors.ReasonNotFound))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Packets.WithLabelValues("default", "accept")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.Bytes.WithLabelValues("default", "accept")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Bytes.WithLabelValues("default", "drop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsSent.WithLabelValues("default", "sess_start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("default", "sess_stop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("default", "sess_approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("default", "sess_approve", "not_found")))
}

func TestCollectorGauges(t *testing.T) {
	m := NewMetrics(staticSource{{
		Namespace:      "default",
		Counts:         session.Counts{Approved: 3, Unapproved: 1},
		PortsInUse:     4,
		NetworkEntries: 7,
		Registered:     true,
	}})
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	expected := `
# HELP isg_sessions Number of subscriber sessions by state
# TYPE isg_sessions gauge
isg_sessions{namespace="default",state="approved"} 3
isg_sessions{namespace="default",state="dying"} 0
isg_sessions{namespace="default",state="unapproved"} 1
# HELP isg_listener_registered Whether a controller is registered (1) or not (0)
# TYPE isg_listener_registered gauge
isg_listener_registered{namespace="default"} 1
# HELP isg_network_entries Number of committed traffic classification entries
# TYPE isg_network_entries gauge
isg_network_entries{namespace="default"} 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"isg_sessions", "isg_listener_registered", "isg_network_entries"))
}
