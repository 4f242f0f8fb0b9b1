// Package pcap replays packets from capture files.
package pcap

import (
	"os"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// Reader reads packets from a pcap file.
type Reader struct {
	file   *os.File
	reader *pcapgo.Reader
	logger *zap.Logger
}

// NewReader opens the pcap file at filePath.
func NewReader(filePath string, logger *zap.Logger) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	reader, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{file: file, reader: reader, logger: logger}, nil
}

// LinkType returns the link type of the capture.
func (r *Reader) LinkType() layers.LinkType {
	return r.reader.LinkType()
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadPackets parses every packet of the file and sends those accepted by filter
// (all of them when filter is nil) to out. It closes out when done and returns
// the number of packets sent.
func (r *Reader) ReadPackets(out chan<- *model.PacketInfo, filter func(*model.PacketInfo) bool) int {
	defer close(out)

	sent, skipped := 0, 0
	packetSource := gopacket.NewPacketSource(r.reader, r.reader.LinkType())
	for packet := range packetSource.Packets() {
		info, err := protocol.ParsePacket(packet)
		if err != nil {
			// Unsupported packet types or corrupt data.
			skipped++
			continue
		}
		if filter != nil && !filter(info) {
			skipped++
			continue
		}
		out <- info
		sent++
	}
	r.logger.Info("Finished reading pcap file",
		zap.String("file", r.file.Name()), zap.Int("sent", sent), zap.Int("skipped", skipped))
	return sent
}
