package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	err := New(KindMalformed, "short payload")
	assert.Equal(t, "short payload", err.Error())

	wrapped := Wrap(err, KindInternal, "decode failed")
	assert.Equal(t, "decode failed: short payload", wrapped.Error())
	assert.Nil(t, Wrap(nil, KindInternal, "nothing"))
}

func TestGetKind(t *testing.T) {
	err := Errorf(KindConflict, "session %d exists", 7)
	assert.Equal(t, KindConflict, GetKind(err))
	assert.True(t, IsKind(err, KindConflict))

	wrapped := Wrapf(err, KindCommitFailed, "commit %s", "aborted")
	assert.Equal(t, KindCommitFailed, GetKind(wrapped))

	assert.Equal(t, KindUnknown, GetKind(errors.New("std error")))
	assert.False(t, IsKind(nil, KindUnknown))
}

func TestAttributes(t *testing.T) {
	err := New(KindNotFound, "no session")
	err = Attr(err, "id", uint64(42))

	wrapped := Attr(Wrap(err, KindInternal, "clear failed"), "op", "clear")
	attrs := GetAttributes(wrapped)
	assert.Equal(t, uint64(42), attrs["id"])
	assert.Equal(t, "clear", attrs["op"])

	plain := Attr(errors.New("boom"), "k", 1)
	assert.Equal(t, KindInternal, GetKind(plain))
}

func TestReason(t *testing.T) {
	cases := map[Kind]uint32{
		KindMalformed:         ReasonMalformed,
		KindNotFound:          ReasonNotFound,
		KindConflict:          ReasonConflict,
		KindCapacityExceeded:  ReasonCapacityExceeded,
		KindAlreadyRegistered: ReasonAlreadyRegistered,
		KindProtocolMismatch:  ReasonProtocolMismatch,
		KindCommitFailed:      ReasonCommitFailed,
		KindNotRegistered:     ReasonNotRegistered,
		KindInternal:          ReasonInternal,
	}
	for kind, reason := range cases {
		assert.Equal(t, reason, Reason(New(kind, "x")), kind.String())
		assert.Equal(t, kind.String(), ReasonText(reason))
		assert.Equal(t, kind, KindForReason(reason))
	}
	assert.Equal(t, "ok", ReasonText(ReasonNone))
	assert.Equal(t, KindInternal, KindForReason(99))
	assert.Equal(t, ReasonNone, Reason(nil))
	assert.Equal(t, ReasonInternal, Reason(errors.New("plain")))
}
