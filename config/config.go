// Package config parses §6's configuration options table into a typed
// Options struct via command-line flags, the way the teacher's own
// CLI entry points (go/captures/args.go, go/flowctl/main.go) use
// github.com/jessevdk/go-flags struct tags instead of hand-rolled
// flag.FlagSet parsing.
package config

import (
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/codership/galera-core/certification"
	"github.com/codership/galera-core/monitor"
)

// Options is §6's configuration table, grouped the way the teacher
// groups related flags under a `group` tag (e.g. "Logging", here
// "Certification" and "Replication").
type Options struct {
	Cert struct {
		LogConflicts bool `long:"log-conflicts" description:"Log every TEST_FAILED with keys and seqnos."`
		OptimisticPA bool `long:"optimistic-pa" description:"Allow parallel apply up to last_seen_seqno rather than depends_seqno."`
		PaRange      int64 `long:"pa-range" default:"1048576" description:"Maximum distance a depends_seqno may reach back from global_seqno."`
	} `group:"Certification" namespace:"cert"`

	Repl struct {
		CommitOrder       int           `long:"commit-order" default:"3" description:"Commit monitor policy: 0=bypass, 1=ooo, 2=local-ooo, 3=no-ooo."`
		MaxWriteSetSize   int64         `long:"max-ws-size" default:"2147483647" description:"Reject write-sets larger than this at replicate time."`
		CausalReadTimeout time.Duration `long:"causal-read-timeout" default:"30s" description:"Bound on sync_wait."`
	} `group:"Replication" namespace:"repl"`
}

// Parse parses args (typically os.Args[1:]) into Options.
func Parse(args []string) (Options, error) {
	var opts Options
	var parser = flags.NewParser(&opts, flags.Default)
	_, err := parser.ParseArgs(args)
	return opts, err
}

// CertificationConfig projects the parsed options onto
// certification.Config, filling in the purge thresholds from
// certification.DefaultConfig() since §6 doesn't expose them as
// top-level CLI options.
func (o Options) CertificationConfig() certification.Config {
	var cfg = certification.DefaultConfig()
	cfg.LogConflicts = o.Cert.LogConflicts
	cfg.OptimisticPA = o.Cert.OptimisticPA
	cfg.PaRange = o.Cert.PaRange
	return cfg
}

// CommitOrder projects repl.commit_order onto the monitor package's
// CommitOrder enum.
func (o Options) CommitOrder() monitor.CommitOrder {
	switch o.Repl.CommitOrder {
	case 0:
		return monitor.CommitOrderBypass
	case 1:
		return monitor.CommitOrderOOOC
	case 2:
		return monitor.CommitOrderLocalOOOC
	default:
		return monitor.CommitOrderNoOOOC
	}
}
