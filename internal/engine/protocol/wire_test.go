package protocol

import (
	"math"
	"testing"
	"time"

	"GoISG/internal/engine/acct"
	"GoISG/internal/engine/session"
	"GoISG/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInfo() session.Info {
	info := session.Info{
		ID:             0x1122334455667788,
		IPAddr:         0x0a000001,
		NATIPAddr:      0xc0000201,
		MACAddr:        [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
		Flags:          session.FlagApproved | session.FlagServiceTagger,
		PortNumber:     4242,
		ExportInterval: 90*time.Second + 750*time.Millisecond,
		IdleTimeout:    300*time.Second + 1,
		MaxDuration:    3600 * time.Second,
		Rate: acct.RatePair{
			{Rate: 1024, Burst: 192000},
			{Rate: 8192, Burst: 1536000},
		},
	}
	for i := range info.Cookie {
		info.Cookie[i] = byte(i + 1)
	}
	return info
}

func TestSizes(t *testing.T) {
	assert.Len(t, MarshalInfo(session.Info{}, Version0), 96)
	assert.Len(t, MarshalInfo(session.Info{}, Version1), 112)
	assert.Equal(t, 184, OutEventSize(Version0))
	assert.Equal(t, 200, OutEventSize(Version1))
	assert.Equal(t, 144, InEventSize(Version0))
	assert.Equal(t, 160, InEventSize(Version1))
}

func TestInfoRoundTripThroughLegacy(t *testing.T) {
	info := sampleInfo()
	current := MarshalInfo(info, Version1)

	legacy, err := ConvertInfo(current, Version1, Version0)
	require.NoError(t, err)
	back, err := ConvertInfo(legacy, Version0, Version1)
	require.NoError(t, err)

	got, err := UnmarshalInfo(back, Version1)
	require.NoError(t, err)

	want := info
	want.ExportInterval = 90 * time.Second
	want.IdleTimeout = 300 * time.Second
	assert.Equal(t, want, got)
}

func TestInfoCurrentRoundTripIsExact(t *testing.T) {
	info := sampleInfo()
	got, err := UnmarshalInfo(MarshalInfo(info, Version1), Version1)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestLegacyDurationSaturates(t *testing.T) {
	info := session.Info{MaxDuration: time.Duration(math.MaxInt64)}
	got, err := UnmarshalInfo(MarshalInfo(info, Version0), Version0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(math.MaxUint32)*time.Second, got.MaxDuration)
}

func TestUnmarshalInfo_Short(t *testing.T) {
	_, err := UnmarshalInfo(make([]byte, 95), Version0)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
	_, err = ConvertInfo(make([]byte, 100), Version1, Version0)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
}

func TestOutEventRoundTrip(t *testing.T) {
	for _, v := range []Version{Version0, Version1} {
		ev := OutEvent{
			Type:     EventSessUpdate,
			Info:     sampleInfo(),
			Stat:     Stat{Duration: 42 * time.Second, InPackets: 1, InBytes: 2, OutPackets: 3, OutBytes: 4},
			ParentID: 99,
			Service:  "video",
		}
		if v == Version0 {
			ev.Info.ExportInterval = 90 * time.Second
			ev.Info.IdleTimeout = 300 * time.Second
		}
		b := ev.Marshal(v)
		require.Len(t, b, OutEventSize(v))

		got, err := UnmarshalOutEvent(b, v)
		require.NoError(t, err)
		assert.Equal(t, ev, *got, "version %d", v)

		_, err = UnmarshalOutEvent(b[:len(b)-1], v)
		assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
	}
}

func TestFromSession(t *testing.T) {
	ev := session.Event{
		Type:     session.EventStop,
		Info:     sampleInfo(),
		ParentID: 7,
		Service:  "svc",
		Stats: session.Stats{
			Duration: 1500 * time.Millisecond,
			In:       acct.StatSnapshot{Packets: 10, Bytes: 1000},
			Out:      acct.StatSnapshot{Packets: 20, Bytes: 2000},
		},
	}
	out := FromSession(ev)
	assert.Equal(t, EventSessStop, out.Type)
	assert.Equal(t, Stat{Duration: 1500 * time.Millisecond, InPackets: 10, InBytes: 1000, OutPackets: 20, OutBytes: 2000}, out.Stat)

	got, err := UnmarshalOutEvent(out.Marshal(Version1), Version1)
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.Stat.Duration)
	assert.Equal(t, "svc", got.Service)
}

func TestCountEvent(t *testing.T) {
	ev := CountEvent(session.Counts{Approved: 5, Unapproved: 2, Dying: 1})
	assert.Equal(t, EventSessCount, ev.Type)
	assert.Equal(t, uint64(8), ev.Info.ID)
	assert.Equal(t, uint64(5), ev.Stat.InPackets)
	assert.Equal(t, uint64(2), ev.Stat.InBytes)
	assert.Equal(t, uint64(1), ev.Stat.OutPackets)
}

func TestInEventRoundTrip(t *testing.T) {
	cases := []InEvent{
		{Type: EventSessChange, Info: sampleInfo(), Service: "video", FlagsOp: session.FlagOpSet},
		{Type: EventNEAddQueue, Prefix: 0x0a000000, Mask: 0xff000000, Class: "local"},
		{Type: EventSDescAdd, Class: "local", Service: "video", SDescFlags: 1},
		{Type: EventNECommit},
	}
	for _, ev := range cases {
		b, err := ev.Marshal(Version1)
		require.NoError(t, err)
		require.Len(t, b, InEventSize(Version1))
		got, err := UnmarshalInEvent(b, Version1)
		require.NoError(t, err)
		assert.Equal(t, ev, *got, ev.Type.String())
	}
}

func TestInEventLayoutFollowsVersion(t *testing.T) {
	ev := InEvent{Type: EventSessApprove, Info: sampleInfo(), Service: "x"}
	ev.Info.ExportInterval = 90 * time.Second
	ev.Info.IdleTimeout = 300 * time.Second
	b, err := ev.Marshal(Version0)
	require.NoError(t, err)

	got, err := UnmarshalInEvent(b, Version0)
	require.NoError(t, err)
	assert.Equal(t, ev, *got)

	_, err = UnmarshalInEvent(b[:HeadSize+InfoV0Size], Version0)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
}

func TestUnmarshalInEvent_Malformed(t *testing.T) {
	_, err := UnmarshalInEvent([]byte{1, 2, 3}, Version1)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	unknown := make([]byte, InEventSize(Version1))
	le.PutUint32(unknown, uint32(EventSessStart))
	_, err = UnmarshalInEvent(unknown, Version1)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	head := make([]byte, HeadSize)
	le.PutUint32(head, uint32(EventNECommit))
	got, err := UnmarshalInEvent(head, Version1)
	require.NoError(t, err)
	assert.Equal(t, EventNECommit, got.Type)

	le.PutUint32(head, uint32(EventNEAddQueue))
	_, err = UnmarshalInEvent(head, Version1)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
}

func TestInEventMarshal_LongName(t *testing.T) {
	ev := InEvent{Type: EventSDescAdd, Class: "0123456789012345678901234567890123"}
	_, err := ev.Marshal(Version1)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
}

func TestReply(t *testing.T) {
	r, err := UnmarshalReply(Ack().Marshal())
	require.NoError(t, err)
	assert.True(t, r.OK())

	nack := ReplyFor(errors.New(errors.KindConflict, "dup"))
	assert.Equal(t, Reply{Type: EventKernelNack, Reason: errors.ReasonConflict}, nack)
	r, err = UnmarshalReply(nack.Marshal())
	require.NoError(t, err)
	assert.Equal(t, nack, r)
	assert.NoError(t, Ack().Err())
	assert.Equal(t, errors.KindConflict, errors.GetKind(nack.Err()))

	_, err = UnmarshalReply([]byte{0x98})
	assert.Error(t, err)
	_, err = UnmarshalReply(make([]byte, ReplySize))
	assert.Error(t, err)
}

func TestVersionAndNames(t *testing.T) {
	v, err := ParseVersion(1)
	require.NoError(t, err)
	assert.Equal(t, Version1, v)
	_, err = ParseVersion(2)
	assert.Equal(t, errors.KindProtocolMismatch, errors.GetKind(err))

	assert.Equal(t, Version1, RegistrationVersion(EventListenerRegV1))
	assert.Equal(t, Version0, RegistrationVersion(EventListenerReg))

	assert.Equal(t, "sess_start", EventSessStart.String())
	typ, ok := ParseEventType("ne_commit")
	assert.True(t, ok)
	assert.Equal(t, EventNECommit, typ)
	assert.True(t, IsInbound(EventServGetlist))
	assert.False(t, IsInbound(EventSessStop))
}
