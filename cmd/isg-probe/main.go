package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"GoISG/internal/config"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/logging"
	"GoISG/internal/model"
	"GoISG/internal/probe"
	pcapfile "GoISG/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	mode := flag.String("mode", "pub", "Operating mode: 'pub' to capture and publish, 'replay' to publish a pcap file, 'sub' to print the packet stream.")
	iface := flag.String("iface", "", "Interface to capture packets from (overrides probe.interface).")
	file := flag.String("pcap", "", "Capture file to replay (replay mode).")
	subscribers := flag.String("subscribers", "", "Comma-separated subscriber networks (overrides probe.subscribers).")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *iface != "" {
		cfg.Probe.Interface = *iface
	}
	if *subscribers != "" {
		cfg.Probe.Subscribers = strings.Split(*subscribers, ",")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		err = runProbe(cfg, logger)
	case "replay":
		err = runReplay(cfg, *file, logger)
	case "sub":
		err = runSubscriber(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("Probe failed", zap.String("mode", *mode), zap.Error(err))
	}
}

func newTagger(cfg *config.Config) (*probe.Tagger, error) {
	if len(cfg.Probe.Subscribers) == 0 {
		return nil, fmt.Errorf("no subscriber networks configured")
	}
	return probe.NewTagger(cfg.Probe.Subscribers, cfg.Probe.InitSession, cfg.Probe.Namespace)
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

// runProbe captures packets on an interface, tags them and publishes them to NATS.
func runProbe(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Probe.Interface == "" {
		return fmt.Errorf("an interface is required for probe mode")
	}
	tagger, err := newTagger(cfg)
	if err != nil {
		return err
	}
	pub, err := probe.NewPublisher(cfg.Transport.NATSURL, cfg.Transport.PacketSubject, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()

	// Open device for live capture
	handle, err := pcap.OpenLive(cfg.Probe.Interface, int32(cfg.Probe.SnapLen), true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("error opening device %s: %w", cfg.Probe.Interface, err)
	}
	defer handle.Close()

	var recorder *probe.Recorder
	if cfg.Probe.RecordDir != "" {
		recorder, err = probe.NewRecorder(cfg.Probe.RecordDir, handle.LinkType(), 4096, logger)
		if err != nil {
			return err
		}
		defer recorder.Close()
	}
	logger.Info("Capture started", zap.String("iface", cfg.Probe.Interface), zap.Strings("subscribers", cfg.Probe.Subscribers))

	go func() {
		packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
		published := 0
		for packet := range packetSource.Packets() {
			if recorder != nil {
				recorder.Record(packet)
			}
			info, err := protocol.ParsePacket(packet)
			if err != nil || !tagger.Tag(info) {
				continue
			}
			if err := pub.Publish(info); err != nil {
				logger.Warn("Failed to publish packet", zap.Error(err))
				continue
			}
			published++
			if published%10000 == 0 {
				logger.Debug("Packets published", zap.Int("count", published))
			}
		}
	}()

	waitForSignal()
	logger.Info("Shutdown signal received, cleaning up...")
	return nil
}

// runReplay publishes the subscriber traffic of a capture file.
func runReplay(cfg *config.Config, path string, logger *zap.Logger) error {
	if path == "" {
		return fmt.Errorf("a capture file is required for replay mode")
	}
	tagger, err := newTagger(cfg)
	if err != nil {
		return err
	}
	reader, err := pcapfile.NewReader(path, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer reader.Close()
	pub, err := probe.NewPublisher(cfg.Transport.NATSURL, cfg.Transport.PacketSubject, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()

	packets := make(chan *model.PacketInfo, 1024)
	go reader.ReadPackets(packets, tagger.Tag)
	failed := 0
	for info := range packets {
		if err := pub.Publish(info); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Some packets could not be published", zap.Int("failed", failed))
	}
	return pub.Flush()
}

// runSubscriber prints the packet stream.
func runSubscriber(cfg *config.Config, logger *zap.Logger) error {
	sub, err := probe.NewSubscriber(cfg.Transport.NATSURL, cfg.Transport.PacketSubject, logger)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	defer sub.Close()

	err = sub.Start(func(info *model.PacketInfo) {
		ft := info.FiveTuple
		fmt.Printf("%s %s:%d -> %s:%d proto=%d len=%d flags=%#x ns=%q\n",
			info.Timestamp.Format("15:04:05.000000"), ft.SrcIP, ft.SrcPort, ft.DstIP, ft.DstPort,
			ft.Protocol, info.Length, info.InitFlags, info.Namespace)
	})
	if err != nil {
		return err
	}
	waitForSignal()
	return nil
}
