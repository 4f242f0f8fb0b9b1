package transport

import (
	"testing"

	"GoISG/internal/engine/namespace"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/errors"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	ns      string
	hdr     namespace.Header
	payload []byte
}

func (h *recordingHandler) HandleCommand(ns string, hdr namespace.Header, payload []byte) protocol.Reply {
	h.ns, h.hdr, h.payload = ns, hdr, payload
	return protocol.Ack()
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "isg.cmd.default", CommandSubject("isg.cmd", "default"))
	assert.Equal(t, "isg.events.default.42", EventSubject("isg.events", "default", 42))

	ns, ok := NamespaceOf("isg.cmd", "isg.cmd.edge")
	require.True(t, ok)
	assert.Equal(t, "edge", ns)
	_, ok = NamespaceOf("isg.cmd", "isg.cmd.")
	assert.False(t, ok)
	_, ok = NamespaceOf("isg.cmd", "isg.other.edge")
	assert.False(t, ok)
	_, ok = NamespaceOf("isg.cmd", "isg.cmd.a.b")
	assert.False(t, ok)
}

func TestHeaderRoundTrip(t *testing.T) {
	in := namespace.Header{PID: 1234, Version: 1, Supersede: true}
	out, err := ParseHeader(EncodeHeader(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	h := EncodeHeader(namespace.Header{PID: 7})
	assert.Empty(t, h.Get(HeaderSupersede))
	out, err = ParseHeader(h)
	require.NoError(t, err)
	assert.False(t, out.Supersede)
}

func TestParseHeaderRejects(t *testing.T) {
	cases := []nats.Header{
		{},
		{HeaderPID: []string{"-1"}},
		{HeaderPID: []string{"12"}, HeaderVersion: []string{"one"}},
		{HeaderPID: []string{"12"}, HeaderSupersede: []string{"maybe"}},
	}
	for _, h := range cases {
		_, err := ParseHeader(h)
		assert.Equal(t, errors.KindMalformed, errors.GetKind(err), "%v", h)
	}
}

func TestServerHandle(t *testing.T) {
	h := &recordingHandler{}
	s := NewServer(nil, "isg.cmd", h, nil)

	hdr := namespace.Header{PID: 99, Version: 1}
	reply := s.handle("isg.cmd.edge", EncodeHeader(hdr), []byte{1, 2, 3, 4})
	assert.True(t, reply.OK())
	assert.Equal(t, "edge", h.ns)
	assert.Equal(t, hdr, h.hdr)
	assert.Equal(t, []byte{1, 2, 3, 4}, h.payload)

	reply = s.handle("isg.cmd.edge", nats.Header{}, nil)
	assert.Equal(t, protocol.Nack(errors.ReasonMalformed), reply)

	reply = s.handle("isg.cmd", EncodeHeader(hdr), nil)
	assert.Equal(t, protocol.Nack(errors.ReasonMalformed), reply)
}
