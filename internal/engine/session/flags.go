package session

import (
	"fmt"
	"strings"
)

// Flags is the session state bitset.
type Flags uint64

const (
	FlagApproved Flags = 1 << iota
	FlagIsService
	FlagServiceStatusOn
	FlagServiceOnline
	FlagNoAccounting
	FlagIsDying
	FlagServiceTagger
)

// FlagsRWMask is the set of flags the controller may toggle.
const FlagsRWMask = FlagServiceStatusOn | FlagNoAccounting | FlagServiceTagger

// FlagOp selects how SetFlags applies a mask.
type FlagOp uint8

const (
	FlagOpNone  FlagOp = 0
	FlagOpSet   FlagOp = 1
	FlagOpUnset FlagOp = 2
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagApproved, "approved"},
	{FlagIsService, "service"},
	{FlagServiceStatusOn, "status-on"},
	{FlagServiceOnline, "online"},
	{FlagNoAccounting, "no-accounting"},
	{FlagIsDying, "dying"},
	{FlagServiceTagger, "tagger"},
}

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseFlags reads flag names as printed by String, separated by '|' or ','.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range flagNames {
			if n.name == part {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown session flag %q", part)
		}
	}
	return f, nil
}
