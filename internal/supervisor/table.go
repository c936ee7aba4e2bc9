package supervisor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/state"
)

// ProcessNeedsRestart is the exit code a child uses to ask for an immediate
// respawn, for example after losing its mapped state areas.
const ProcessNeedsRestart = 4

// slot is one supervised process. The args are the child's re-exec verbs;
// the work dir flag is appended at spawn time.
type slot struct {
	id       state.Proc
	args     []string
	mustRun  bool // restarted even after a clean exit 0
	deferred bool // started when the scanner reports ready, not at boot

	pid       int
	proc      *os.Process
	running   bool
	stopped   bool // operator stop, no restart until asked
	failed    bool // gave up restarting
	startedAt time.Time
	restartAt time.Time // nonzero: respawn due at that time
	fastFails int       // consecutive exits shortly after start
}

// buildTable lays out the process table in startup order. The system log
// leads so every later message has a sink, the scanner trails the majors,
// and the deferred slots wait for the scanner's ready signal.
func buildTable(cfg config.Config) ([]*slot, error) {
	var table []*slot
	for _, st := range logd.Streams {
		p, ok := state.ProcByName(strings.ToLower(st.Name))
		if !ok {
			return nil, fmt.Errorf("log stream %s has no process slot", st.Name)
		}
		table = append(table, &slot{
			id:      p,
			args:    []string{"__logd", st.Fifo},
			mustRun: true,
		})
	}
	table = append(table,
		&slot{id: state.ProcArchiveWatch, args: []string{"__archivewatch"}, mustRun: true},
		&slot{id: state.ProcAFDD, args: []string{"__afdd"}},
	)
	if cfg.AFDD.TLSPort > 0 {
		table = append(table, &slot{id: state.ProcAFDDS, args: []string{"__afdds"}})
	}
	table = append(table,
		&slot{id: state.ProcFD, args: []string{"__fd"}},
		&slot{id: state.ProcAMG, args: []string{"__amg"}},
		&slot{id: state.ProcStat, args: []string{"__stat"}, deferred: true},
		&slot{id: state.ProcRateLog, args: []string{"__ratelog"}, deferred: true},
		&slot{id: state.ProcHelper, args: []string{"__helper"}, deferred: true},
	)
	return table, nil
}

// find returns the table entry for p, nil when the slot is not configured
// (the TLS info daemon without a TLS port).
func find(table []*slot, p state.Proc) *slot {
	for _, sl := range table {
		if sl.id == p {
			return sl
		}
	}
	return nil
}
