package certification

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/codership/galera-core/seqno"
)

// stats accumulates the certifier's running statistics: certification
// interval, average deps distance and index size, per §4.2 step 5.
// Counters are exposed both as plain running sums (for Snapshot(),
// read without touching Prometheus) and as promauto-registered
// collectors, the same pairing the teacher uses in go/runtime/proxy.go
// (promauto.NewCounterVec backing package-level vars next to plain Go
// bookkeeping).
type stats struct {
	mu sync.Mutex

	nCertified    uint64
	certInterval  int64
	depsDist      int64
	lastGlobal    seqno.Seqno
	haveLastGlobl bool
}

func newStats() *stats {
	return &stats{haveLastGlobl: false}
}

// record folds in one successfully-positioned append() call: the gap
// to the previous global seqno (always 1 absent preordering, but the
// hook matches the original's running average) and the distance from
// depends_seqno back to global_seqno.
func (s *stats) record(global, depends seqno.Seqno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.haveLastGlobl {
		s.certInterval += int64(global - s.lastGlobal)
	}
	s.lastGlobal, s.haveLastGlobl = global, true

	if depends.Defined() {
		s.depsDist += int64(global - depends)
	}
	s.nCertified++

	certifiedTotal.Inc()
	if depends.Defined() {
		depsDistanceHist.Observe(float64(global - depends))
	}
}

// Snapshot is §6's statistics section: certification interval, deps
// distance, index size as plain numbers a caller can log or print
// without depending on Prometheus.
type Snapshot struct {
	AvgCertInterval float64
	AvgDepsDistance float64
	IndexSize       int
	NBOSize         int
}

func (s *stats) snapshot(indexSize, nboSize int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = Snapshot{IndexSize: indexSize, NBOSize: nboSize}
	if s.nCertified > 0 {
		out.AvgCertInterval = float64(s.certInterval) / float64(s.nCertified)
		out.AvgDepsDistance = float64(s.depsDist) / float64(s.nCertified)
	}
	indexSizeGauge.Set(float64(indexSize))
	nboSizeGauge.Set(float64(nboSize))
	return out
}

func (s *stats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certInterval, s.depsDist, s.nCertified = 0, 0, 0
}

var (
	certifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "galera",
		Subsystem: "cert",
		Name:      "writesets_certified_total",
		Help:      "Total write-sets that have been through append().",
	})
	depsDistanceHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "galera",
		Subsystem: "cert",
		Name:      "deps_distance",
		Help:      "Distance between global_seqno and depends_seqno at certification time.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	})
	indexSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "galera",
		Subsystem: "cert",
		Name:      "key_index_size",
		Help:      "Number of distinct keys currently held by the key index.",
	})
	nboSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "galera",
		Subsystem: "cert",
		Name:      "nbo_contexts",
		Help:      "Number of in-flight non-blocking operations.",
	})
)
