package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

const recorderSnapLen = 65536

// Recorder writes captured frames to a pcap file from a single goroutine so
// packets keep their capture order.
type Recorder struct {
	file    *os.File
	writer  *pcapgo.Writer
	packets chan gopacket.Packet
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewRecorder creates a timestamped pcap file under dir.
func NewRecorder(dir string, linkType layers.LinkType, bufferSize int, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path := filepath.Join(dir, time.Now().Format("2006-01-02_15-04-05")+".pcap")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(recorderSnapLen, linkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	r := &Recorder{
		file:    file,
		writer:  writer,
		packets: make(chan gopacket.Packet, bufferSize),
		logger:  logger.With(zap.String("file", path)),
	}
	r.wg.Add(1)
	go r.run()
	r.logger.Info("Recording packets")
	return r, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.file.Name()
}

// Record queues a packet. It never blocks; packets are dropped when the buffer is full.
func (r *Recorder) Record(p gopacket.Packet) bool {
	select {
	case r.packets <- p:
		return true
	default:
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for p := range r.packets {
		ci := p.Metadata().CaptureInfo
		data := p.Data()
		if ci.CaptureLength == 0 {
			ci.CaptureLength = len(data)
			ci.Length = len(data)
		}
		if ci.Timestamp.IsZero() {
			ci.Timestamp = time.Now()
		}
		if err := r.writer.WritePacket(ci, data); err != nil {
			r.logger.Warn("Failed to write packet", zap.Error(err))
		}
	}
}

// Close flushes queued packets and closes the file.
func (r *Recorder) Close() error {
	close(r.packets)
	r.wg.Wait()
	r.logger.Info("Recording stopped")
	return r.file.Close()
}
