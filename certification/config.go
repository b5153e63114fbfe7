package certification

// Config holds the certifier's tunables. Field names mirror the
// dotted option names from spec.md §6 (cert.log_conflicts,
// cert.optimistic_pa) so the config package can set them
// directly off the parsed CLI/ini options.
type Config struct {
	// LogConflicts logs every TEST_FAILED with keys and seqnos.
	LogConflicts bool

	// OptimisticPA allows parallel apply up to LastSeenSeqno rather
	// than the conservative, key-conflict-derived DependsSeqno.
	OptimisticPA bool

	// PaRange bounds how far back a dependency may reach: no
	// depends_seqno may be older than global_seqno - PaRange. It also
	// seeds the default pre-certification baseline
	// (last_seen_seqno - PaRange), matching trx_handle.hpp's
	// pa_range_default() baseline.
	PaRange int64

	// Purge thresholds, from certification.hpp's index_purge_required:
	// crossing any one of these triggers a purge sweep.
	PurgeKeysThreshold  int
	PurgeBytesThreshold int64
	PurgeTrxThreshold   int
}

// DefaultConfig returns the certifier defaults, taken from
// certification.hpp's index_purge_required constants (1K keys / 128MiB
// / 127 trx) and a generous pa_range that in practice never binds
// unless explicitly narrowed.
func DefaultConfig() Config {
	return Config{
		PaRange:             1 << 20,
		PurgeKeysThreshold:  1 << 10,
		PurgeBytesThreshold: 128 << 20,
		PurgeTrxThreshold:   127,
	}
}
