package replicator

import (
	log "github.com/sirupsen/logrus"

	"github.com/codership/galera-core/certification"
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/wsrep"
)

// serviceEventKind is the redesign flag's typed queue of enum-variant
// messages (§9 "Dynamic dispatch"): ReportCommitted, ReleaseBuffer and
// Flush, replacing the original ServiceThd's bit-flag action word with
// a Go sum type expressed as a kind tag plus the one payload field
// that kind actually uses.
type serviceEventKind int

const (
	reportCommitted serviceEventKind = iota
	releaseBuffer
	flush
)

type serviceEvent struct {
	kind  serviceEventKind
	seqno seqno.Seqno
	uuid  wsrep.SourceID
}

// serviceThread is the channel-driven replacement for the original's
// global mutable last-committed state (§9 "Global mutable state"): the
// pipeline driver posts events and a single goroutine consumes them in
// order, making the ordering between "apply done" and "gcache release"
// explicit instead of implicit in lock acquisition order.
type serviceThread struct {
	cert   *certification.Certifier
	events chan serviceEvent
	done   chan struct{}

	lastCommitted chan seqno.Seqno // 1-buffered, always holds the current value
}

func newServiceThread(cert *certification.Certifier) *serviceThread {
	s := &serviceThread{
		cert:          cert,
		events:        make(chan serviceEvent, 256),
		done:          make(chan struct{}),
		lastCommitted: make(chan seqno.Seqno, 1),
	}
	s.lastCommitted <- seqno.Undefined
	go s.run()
	return s
}

func (s *serviceThread) run() {
	defer close(s.done)
	for ev := range s.events {
		switch ev.kind {
		case reportCommitted:
			var cur = <-s.lastCommitted
			if ev.seqno > cur {
				cur = ev.seqno
			}
			s.lastCommitted <- cur

		case releaseBuffer:
			if s.cert.ShouldPurge() {
				if _, err := s.cert.PurgeUpto(ev.seqno); err != nil {
					log.WithError(err).Error("service thread: purge failed")
				}
			}

		case flush:
			log.WithField("view_uuid", ev.uuid.String()).Debug("service thread: flush requested")
		}
	}
}

func (s *serviceThread) ReportCommitted(seq seqno.Seqno) { s.events <- serviceEvent{kind: reportCommitted, seqno: seq} }
func (s *serviceThread) ReleaseBuffer(seq seqno.Seqno)   { s.events <- serviceEvent{kind: releaseBuffer, seqno: seq} }
func (s *serviceThread) Flush(uuid wsrep.SourceID)       { s.events <- serviceEvent{kind: flush, uuid: uuid} }

func (s *serviceThread) LastCommitted() seqno.Seqno {
	var cur = <-s.lastCommitted
	s.lastCommitted <- cur
	return cur
}

func (s *serviceThread) Close() {
	close(s.events)
	<-s.done
}
