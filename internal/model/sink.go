package model

// PacketSink defines the common interface for a packet-consuming engine,
// allowing different packet sources (live probe, pcap replay, NATS stream) to feed it.
type PacketSink interface {
	// Start launches the sink's processing workers.
	Start()

	// Stop gracefully shuts down the sink, ensuring all buffered packets are processed.
	Stop()

	// Input returns the channel to which packets should be sent for processing.
	Input() chan<- *PacketInfo
}
