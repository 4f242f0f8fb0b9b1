package commands

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"GoISG/internal/engine/acct"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/session"
	"GoISG/internal/model"

	"github.com/spf13/cobra"
)

// parseRate reads "<kbit/s>[:<burst bytes>]".
func parseRate(s string) (acct.Rate, error) {
	if s == "" {
		return acct.Rate{}, nil
	}
	rate, burst, hasBurst := strings.Cut(s, ":")
	r, err := strconv.ParseUint(rate, 10, 32)
	if err != nil {
		return acct.Rate{}, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	out := acct.Rate{Rate: uint32(r)}
	if hasBurst {
		b, err := strconv.ParseUint(burst, 10, 32)
		if err != nil {
			return acct.Rate{}, fmt.Errorf("invalid burst %q: %w", s, err)
		}
		out.Burst = uint32(b)
	}
	return out, nil
}

// parseIPv4 reads a dotted quad into host order.
func parseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return model.IPv4ToUint32(ip), nil
}

// parseNetwork reads a CIDR into a host-order prefix and mask.
func parseNetwork(s string) (prefix, mask uint32, err error) {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return 0, 0, err
	}
	if n.IP.To4() == nil {
		return 0, 0, fmt.Errorf("%q is not an IPv4 network", s)
	}
	return model.IPv4ToUint32(n.IP), model.IPv4ToUint32(net.IP(n.Mask)), nil
}

// infoFlags are the session info fields settable from the command line.
type infoFlags struct {
	id      uint64
	ip      string
	nat     string
	mac     string
	rateIn  string
	rateOut string
	export  time.Duration
	idle    time.Duration
	maxDur  time.Duration
	flags   string
}

func (f *infoFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Uint64Var(&f.id, "id", 0, "session id")
	fs.StringVar(&f.ip, "ip", "", "subscriber IPv4 address")
	fs.StringVar(&f.nat, "nat", "", "NAT IPv4 address")
	fs.StringVar(&f.mac, "mac", "", "subscriber MAC address")
	fs.StringVar(&f.rateIn, "rate-in", "", "subscriber to network policing, <kbit/s>[:<burst bytes>]")
	fs.StringVar(&f.rateOut, "rate-out", "", "network to subscriber policing, <kbit/s>[:<burst bytes>]")
	fs.DurationVar(&f.export, "export-interval", 0, "accounting update interval")
	fs.DurationVar(&f.idle, "idle-timeout", 0, "idle timeout")
	fs.DurationVar(&f.maxDur, "max-duration", 0, "maximum session duration")
	fs.StringVar(&f.flags, "flags", "", "session flags, e.g. status-on|tagger")
}

func (f *infoFlags) info() (session.Info, error) {
	info := session.Info{
		ID:             f.id,
		ExportInterval: f.export,
		IdleTimeout:    f.idle,
		MaxDuration:    f.maxDur,
	}
	var err error
	if f.ip != "" {
		if info.IPAddr, err = parseIPv4(f.ip); err != nil {
			return info, err
		}
	}
	if f.nat != "" {
		if info.NATIPAddr, err = parseIPv4(f.nat); err != nil {
			return info, err
		}
	}
	if f.mac != "" {
		hw, err := net.ParseMAC(f.mac)
		if err != nil || len(hw) != len(info.MACAddr) {
			return info, fmt.Errorf("invalid MAC address %q", f.mac)
		}
		copy(info.MACAddr[:], hw)
	}
	if info.Rate[acct.DirIn], err = parseRate(f.rateIn); err != nil {
		return info, err
	}
	if info.Rate[acct.DirOut], err = parseRate(f.rateOut); err != nil {
		return info, err
	}
	if info.Flags, err = session.ParseFlags(f.flags); err != nil {
		return info, err
	}
	return info, nil
}

// formatEvent renders an engine event on one line.
func formatEvent(ev *protocol.OutEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s", ev.Type)
	switch ev.Type {
	case protocol.EventSessCount:
		fmt.Fprintf(&b, " total=%d approved=%d unapproved=%d dying=%d",
			ev.Info.ID, ev.Stat.InPackets, ev.Stat.InBytes, ev.Stat.OutPackets)
		return b.String()
	case protocol.EventKernelAck, protocol.EventKernelNack:
		return b.String()
	}
	info := ev.Info
	fmt.Fprintf(&b, " id=%d ip=%s port=%d flags=%s", info.ID, model.Uint32ToIPv4(info.IPAddr), info.PortNumber, info.Flags)
	if ev.ParentID != 0 {
		fmt.Fprintf(&b, " parent=%d service=%s", ev.ParentID, ev.Service)
	}
	if ev.Type != protocol.EventSessCreate {
		st := ev.Stat
		fmt.Fprintf(&b, " dur=%s in=%d/%d out=%d/%d", st.Duration.Truncate(time.Second),
			st.InPackets, st.InBytes, st.OutPackets, st.OutBytes)
	}
	return b.String()
}
