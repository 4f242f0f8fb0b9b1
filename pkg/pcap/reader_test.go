package pcap

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"GoISG/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, src, dst string, sport, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("hello"))))
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))
	return buf.Bytes()
}

func writePcap(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Second), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestReader_ReadPackets(t *testing.T) {
	path := writePcap(t,
		frame(t, "10.0.0.1", "192.0.2.1", 4000, 53),
		arpFrame(t),
		frame(t, "192.0.2.1", "10.0.0.1", 53, 4000),
	)
	reader, err := NewReader(path, nil)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, layers.LinkTypeEthernet, reader.LinkType())

	out := make(chan *model.PacketInfo, 10)
	sent := reader.ReadPackets(out, nil)
	assert.Equal(t, 2, sent)

	var got []*model.PacketInfo
	for info := range out {
		got = append(got, info)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.1", got[0].FiveTuple.SrcIP.String())
	assert.Equal(t, uint16(53), got[0].FiveTuple.DstPort)
	assert.Equal(t, uint8(layers.IPProtocolUDP), got[0].FiveTuple.Protocol)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got[0].Timestamp.UTC())
	assert.Equal(t, uint16(53), got[1].FiveTuple.SrcPort)
}

func TestReader_Filter(t *testing.T) {
	path := writePcap(t,
		frame(t, "10.0.0.1", "192.0.2.1", 4000, 53),
		frame(t, "10.0.0.2", "192.0.2.1", 4000, 53),
	)
	reader, err := NewReader(path, nil)
	require.NoError(t, err)
	defer reader.Close()

	out := make(chan *model.PacketInfo, 10)
	sent := reader.ReadPackets(out, func(info *model.PacketInfo) bool {
		return info.FiveTuple.SrcIP.Equal(net.ParseIP("10.0.0.2"))
	})
	assert.Equal(t, 1, sent)
}

func TestNewReader_NotPcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.pcap")
	require.NoError(t, os.WriteFile(path, []byte("not a capture"), 0644))
	_, err := NewReader(path, nil)
	assert.Error(t, err)
}
