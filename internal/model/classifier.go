package model

// Classifier is the datapath entry point of a namespace: it classifies a
// packet against the session table and accounts it.
type Classifier interface {
	ClassifyAndAccount(packet *PacketInfo) Verdict
}

// SnapshotSource produces accounting records for the export writers.
type SnapshotSource interface {
	Snapshot() []SessionRecord
	Name() string
}
