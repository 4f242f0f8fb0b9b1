// Package manager runs the namespaces of one engine: it feeds them packets from a
// worker pool, snapshots their accounting into the export writers and runs the
// listener liveness and tunables refresh loops.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/engine/events"
	"GoISG/internal/engine/namespace"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/errors"
	"GoISG/internal/metrics"
	"GoISG/internal/model"

	"go.uber.org/zap"
)

var (
	_ model.PacketSink = (*Manager)(nil)
	_ model.Classifier = (*Manager)(nil)
)

// ParamsSource supplies runtime parameters overriding the configured defaults.
type ParamsSource interface {
	Load(ctx context.Context, ns string, base namespace.Params) (namespace.Params, error)
}

// Options carry the collaborators of a Manager. Every field is optional.
type Options struct {
	Writers  []model.Writer
	Sender   func(ns string) events.Sender
	Observer func(ns string) namespace.Observer
	Tunables ParamsSource
	Alive    func(pid int) bool
	Logger   *zap.Logger
}

// Manager orchestrates the namespaces of the engine and their writers.
type Manager struct {
	namespaces map[string]*namespace.Namespace
	names      []string
	writers    []model.Writer
	tunables   ParamsSource
	defaults   namespace.Params

	// Worker pool for concurrent packet processing
	packetChannel chan *model.PacketInfo
	numWorkers    int
	workerWg      sync.WaitGroup
	inputMu       sync.RWMutex
	stopped       bool

	livenessInterval time.Duration
	refreshInterval  time.Duration
	done             chan struct{}
	snapshotterWg    sync.WaitGroup
	loopWg           sync.WaitGroup
	stopOnce         sync.Once

	logger *zap.Logger
}

// NewManager creates the namespaces named in the configuration.
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := cfg.Engine
	if len(e.Namespaces) == 0 {
		return nil, fmt.Errorf("no namespaces configured")
	}

	m := &Manager{
		namespaces:       make(map[string]*namespace.Namespace, len(e.Namespaces)),
		names:            append([]string(nil), e.Namespaces...),
		writers:          opts.Writers,
		tunables:         opts.Tunables,
		defaults:         namespace.ParamsFromConfig(e.Defaults),
		packetChannel:    make(chan *model.PacketInfo, e.SizeOfPacketChannel),
		numWorkers:       e.NumWorkers,
		livenessInterval: config.Duration(e.LivenessInterval),
		done:             make(chan struct{}),
		logger:           logger.Named("manager"),
	}
	if cfg.Tunables.Enabled {
		m.refreshInterval = config.Duration(cfg.Tunables.RefreshInterval)
	}
	if m.numWorkers <= 0 {
		m.numWorkers = 1
	}

	for _, name := range m.names {
		nsOpts := namespace.Options{
			Name:             name,
			Buckets:          e.HashBuckets,
			PortBitmapSize:   e.PortBitmapSize,
			NehashMaxEntries: e.NehashMaxEntries,
			Params:           m.defaults,
			Alive:            opts.Alive,
			Logger:           logger,
		}
		if opts.Sender != nil {
			nsOpts.Sender = opts.Sender(name)
		}
		if opts.Observer != nil {
			nsOpts.Observer = opts.Observer(name)
		}
		m.namespaces[name] = namespace.New(nsOpts)
	}
	return m, nil
}

// Start begins the namespaces, the packet processing workers, the snapshotters
// and the background loops.
func (m *Manager) Start() {
	for _, name := range m.names {
		m.namespaces[name].Start()
	}
	if m.tunables != nil {
		m.RefreshTunables(context.Background())
	}

	// For each writer, start a dedicated snapshotter.
	for _, writer := range m.writers {
		m.snapshotterWg.Add(1)
		go m.runSnapshotter(writer)
		m.logger.Info("Started snapshotter", zap.Duration("interval", writer.GetInterval()))
	}

	if m.livenessInterval > 0 {
		m.loopWg.Add(1)
		go m.runTicker(m.livenessInterval, m.checkListeners)
	}
	if m.tunables != nil && m.refreshInterval > 0 {
		m.loopWg.Add(1)
		go m.runTicker(m.refreshInterval, func() { m.RefreshTunables(context.Background()) })
	}

	// Start the packet processing worker pool.
	m.workerWg.Add(m.numWorkers)
	for i := 0; i < m.numWorkers; i++ {
		go m.worker()
	}
	m.logger.Info("Manager started", zap.Int("workers", m.numWorkers), zap.Strings("namespaces", m.names))
}

// runSnapshotter runs a dedicated snapshot loop for a single writer.
func (m *Manager) runSnapshotter(writer model.Writer) {
	defer m.snapshotterWg.Done()
	interval := writer.GetInterval()
	if interval <= 0 {
		m.logger.Warn("Invalid writer interval, snapshotter will not run", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.takeSnapshotForWriter(writer)
		case <-m.done:
			m.takeSnapshotForWriter(writer)
			return
		}
	}
}

// takeSnapshotForWriter collects the records of every namespace and hands them to writer.
func (m *Manager) takeSnapshotForWriter(writer model.Writer) {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	records := m.Snapshot()
	if err := writer.Write(records, timestamp); err != nil {
		m.logger.Error("Error writing snapshot", zap.String("timestamp", timestamp), zap.Error(err))
		return
	}
	m.logger.Debug("Completed snapshot", zap.String("timestamp", timestamp), zap.Int("records", len(records)))
}

func (m *Manager) runTicker(interval time.Duration, fn func()) {
	defer m.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) checkListeners() {
	for _, name := range m.names {
		m.namespaces[name].CheckListener()
	}
}

// RefreshTunables reloads the runtime parameters of every namespace. A namespace
// whose parameters cannot be read keeps its current ones.
func (m *Manager) RefreshTunables(ctx context.Context) {
	if m.tunables == nil {
		return
	}
	for _, name := range m.names {
		ns := m.namespaces[name]
		p, err := m.tunables.Load(ctx, name, m.defaults)
		if err != nil {
			m.logger.Warn("Failed to load tunables", zap.String("namespace", name), zap.Error(err))
			continue
		}
		ns.SetParams(p)
	}
}

// Stop gracefully shuts down the manager: buffered packets are processed, a final
// snapshot is written, then every namespace is torn down.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	m.logger.Info("Manager stopping")
	// 1. Stop accepting new packets.
	m.inputMu.Lock()
	m.stopped = true
	close(m.packetChannel)
	m.inputMu.Unlock()

	// 2. Wait for all workers to finish processing buffered packets.
	m.workerWg.Wait()

	// 3. Signal snapshotters and loops to take final actions and exit.
	close(m.done)
	m.snapshotterWg.Wait()
	m.loopWg.Wait()

	// 4. Remove every session so the listeners see their STOP events.
	for _, name := range m.names {
		m.namespaces[name].Close()
	}
	m.logger.Info("Manager stopped")
}

func (m *Manager) worker() {
	defer m.workerWg.Done()
	for pkt := range m.packetChannel {
		m.ClassifyAndAccount(pkt)
	}
}

// Input returns the channel to which packets should be sent for processing.
// Senders must stop before Stop is called; Submit is safe at any time.
func (m *Manager) Input() chan<- *model.PacketInfo {
	return m.packetChannel
}

// Submit queues pkt for processing and reports false once the manager has stopped.
func (m *Manager) Submit(pkt *model.PacketInfo) bool {
	m.inputMu.RLock()
	defer m.inputMu.RUnlock()
	if m.stopped {
		return false
	}
	m.packetChannel <- pkt
	return true
}

// lookup resolves a namespace name. An empty name selects the first configured namespace.
func (m *Manager) lookup(name string) *namespace.Namespace {
	if name == "" {
		name = m.names[0]
	}
	return m.namespaces[name]
}

// ClassifyAndAccount runs pkt through the datapath of its namespace.
// Packets for unknown namespaces are dropped.
func (m *Manager) ClassifyAndAccount(pkt *model.PacketInfo) model.Verdict {
	ns := m.lookup(pkt.Namespace)
	if ns == nil {
		return model.VerdictDrop
	}
	return ns.ClassifyAndAccount(pkt)
}

// HandleCommand dispatches a controller command to the named namespace.
func (m *Manager) HandleCommand(name string, hdr namespace.Header, payload []byte) protocol.Reply {
	ns, ok := m.namespaces[name]
	if !ok {
		m.logger.Debug("Command for unknown namespace", zap.String("namespace", name), zap.Int("pid", hdr.PID))
		return protocol.ReplyFor(errors.Errorf(errors.KindNotFound, "unknown namespace %q", name))
	}
	return ns.HandleCommand(hdr, payload)
}

// Namespace returns the named namespace, or nil.
func (m *Manager) Namespace(name string) *namespace.Namespace {
	return m.namespaces[name]
}

// Namespaces returns every namespace in configuration order.
func (m *Manager) Namespaces() []*namespace.Namespace {
	out := make([]*namespace.Namespace, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.namespaces[name])
	}
	return out
}

// Snapshot returns the accounting records of every namespace.
func (m *Manager) Snapshot() []model.SessionRecord {
	var records []model.SessionRecord
	for _, name := range m.names {
		records = append(records, m.namespaces[name].Snapshot()...)
	}
	return records
}

// NamespaceStats implements metrics.StatsSource.
func (m *Manager) NamespaceStats() []metrics.NamespaceStats {
	out := make([]metrics.NamespaceStats, 0, len(m.names))
	for _, name := range m.names {
		ns := m.namespaces[name]
		out = append(out, metrics.NamespaceStats{
			Namespace:      name,
			Counts:         ns.Sessions().Count(),
			PortsInUse:     ns.Sessions().PortsInUse(),
			PendingEvents:  ns.PendingEvents(),
			NetworkEntries: ns.Nehash().Len(),
			Services:       ns.Services().Len(),
			Registered:     ns.Listener().State() == events.StateRegistered,
		})
	}
	return out
}
