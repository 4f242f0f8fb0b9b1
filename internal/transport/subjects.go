// Package transport carries the controller channel over NATS: commands are
// request/reply messages on "<command_subject>.<namespace>" and events are
// requests to "<event_subject>.<namespace>.<pid>".
package transport

import (
	"fmt"
	"strconv"
	"strings"

	"GoISG/internal/engine/namespace"
	"GoISG/internal/errors"

	"github.com/nats-io/nats.go"
)

// Message headers of a command.
const (
	HeaderPID       = "Isg-Pid"
	HeaderVersion   = "Isg-Version"
	HeaderSupersede = "Isg-Supersede"
)

// CommandSubject returns the subject commands for ns are sent to.
func CommandSubject(prefix, ns string) string {
	return prefix + "." + ns
}

// EventSubject returns the subject events for the listener pid of ns are sent to.
func EventSubject(prefix, ns string, pid int) string {
	return fmt.Sprintf("%s.%s.%d", prefix, ns, pid)
}

// NamespaceOf extracts the namespace token of a command subject.
func NamespaceOf(prefix, subject string) (string, bool) {
	ns, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || ns == "" || strings.Contains(ns, ".") {
		return "", false
	}
	return ns, true
}

// EncodeHeader renders a command envelope as NATS headers.
func EncodeHeader(hdr namespace.Header) nats.Header {
	h := nats.Header{}
	h.Set(HeaderPID, strconv.Itoa(hdr.PID))
	h.Set(HeaderVersion, strconv.FormatUint(uint64(hdr.Version), 10))
	if hdr.Supersede {
		h.Set(HeaderSupersede, "true")
	}
	return h
}

// ParseHeader reads a command envelope. The pid is mandatory; a missing version means 0.
func ParseHeader(h nats.Header) (namespace.Header, error) {
	var hdr namespace.Header
	pid, err := strconv.Atoi(h.Get(HeaderPID))
	if err != nil || pid <= 0 {
		return hdr, errors.Errorf(errors.KindMalformed, "invalid %s header %q", HeaderPID, h.Get(HeaderPID))
	}
	hdr.PID = pid

	if v := h.Get(HeaderVersion); v != "" {
		version, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return hdr, errors.Errorf(errors.KindMalformed, "invalid %s header %q", HeaderVersion, v)
		}
		hdr.Version = uint32(version)
	}
	if v := h.Get(HeaderSupersede); v != "" {
		supersede, err := strconv.ParseBool(v)
		if err != nil {
			return hdr, errors.Errorf(errors.KindMalformed, "invalid %s header %q", HeaderSupersede, v)
		}
		hdr.Supersede = supersede
	}
	return hdr, nil
}
