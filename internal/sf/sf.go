// Package sf implements the transfer workers the dispatcher re-execs, one
// per host slot. A worker attaches the shared host area, completes the
// ready/ack handshake and then delivers batches: the assignment from its
// command line first, follow-up batches through burst verbs on its private
// fifo. Every finished batch is reported on the shared fin fifo; the
// dispatcher decides whether the worker bursts into the next batch or
// disconnects.
//
// Two protocols ship. loc delivers into a local directory through the
// kernel copy ladder, sftp through an SSH session. Both honour the per-job
// delivery options: zstd compression, checksum readback, bandwidth limits,
// archiving and the age limit.
package sf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/fd"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// Codes a worker reports on the fin fifo, one per batch.
const (
	rcOK       = 0
	rcConnect  = 1 // no session to the destination
	rcTransfer = 2 // a file failed mid-batch
	rcSetup    = 3 // message or configuration unusable
)

// Options is the worker assignment, parsed by the command layer.
type Options struct {
	Layout    paths.Layout
	Config    config.Config
	Proto     string // "loc" or "sftp"
	MsgFile   string // mirrored job message of the first batch
	HostIndex int
	Slot      int
	Logger    *slog.Logger
}

// Worker is one transfer worker process.
type Worker struct {
	o    Options
	log  *slog.Logger
	fsa  *state.FSA
	host state.HostView
	slot state.SlotView

	table   *jobs.Table
	hostDef *config.HostDef

	own *fifo.Pipe // private verb fifo
	fin *fifo.Pipe

	transLog *logd.LineClient
	debugLog *logd.LineClient
	prodLog  *logd.FrameClient
	confLog  *logd.FrameClient

	conn    conn
	buf     []byte
	batches int
}

// New attaches the shared host area, answers the spawn handshake and opens
// the worker's pipes. The dispatcher blocks on the handshake, so any error
// here surfaces as a failed spawn on its side.
func New(o Options) (*Worker, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	w := &Worker{o: o, log: o.Logger.With("proto", o.Proto, "slot", o.Slot)}

	fsa, err := state.AttachFSA(o.Layout.FSAFile())
	if err != nil {
		return nil, fmt.Errorf("attach host area: %w", err)
	}
	if o.HostIndex < 0 || o.HostIndex >= fsa.Count() {
		fsa.Close()
		return nil, fmt.Errorf("host index %d outside area of %d", o.HostIndex, fsa.Count())
	}
	if o.Slot < 0 || o.Slot >= config.MaxAllowedTransfers {
		fsa.Close()
		return nil, fmt.Errorf("slot %d outside 0..%d", o.Slot, config.MaxAllowedTransfers-1)
	}
	w.fsa = fsa
	w.host = fsa.Host(o.HostIndex)
	w.slot = w.host.Slot(o.Slot)

	if err := fd.ChildSync(); err != nil {
		fsa.Close()
		return nil, err
	}

	// The private fifo exists, the dispatcher created it before the ack.
	if w.own, err = fifo.Open(fd.WorkerFifo(o.Layout, os.Getpid())); err == nil {
		w.fin, err = fifo.Open(o.Layout.SfFinFifo())
	}
	if err == nil {
		w.transLog, err = logd.NewLineClient(o.Layout.LogFifo("transfer"))
	}
	if err == nil {
		w.debugLog, err = logd.NewLineClient(o.Layout.LogFifo("transfer_debug"))
	}
	if err == nil {
		w.prodLog, err = logd.NewFrameClient(o.Layout.LogFifo("production"))
	}
	if err == nil {
		w.confLog, err = logd.NewFrameClient(o.Layout.LogFifo("confirmation"))
	}
	if err != nil {
		w.shut()
		return nil, err
	}

	bs := w.host.BlockSize()
	if bs < 4096 {
		bs = 4096
	}
	w.buf = make([]byte, bs)
	return w, nil
}

// Run delivers the assigned batch and then serves burst verbs until the
// dispatcher quits the worker or the burst wait lapses. A quiesced slot
// ends the worker without a fin record; the dispatcher requeues the batch
// when it reaps the exit.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shut()
	w.load()

	msgFile := w.o.MsgFile
	for {
		rc, interrupted := rcSetup, false
		if w.table != nil {
			rc, interrupted = w.deliver(ctx, msgFile)
		}
		if interrupted {
			return nil
		}
		if err := fd.WriteFin(w.fin, os.Getpid(), rc); err != nil {
			return fmt.Errorf("fin record: %w", err)
		}
		w.batches++

		next, err := fd.ReadVerb(w.own, fd.BurstWait)
		if err != nil || next == "" {
			return nil
		}
		msgFile = next
	}
}

// load reads the worker's own copy of the directory configuration. A worker
// that cannot compile the job table can only report setup failures.
func (w *Worker) load() {
	dc, err := config.LoadDirConfig(w.o.Layout.DirConfigFile())
	if err != nil {
		w.log.Error("load directory config", "err", err)
		return
	}
	table, err := jobs.Compile(&dc, time.Duration(w.o.Config.DefaultAgeLimit)*time.Second)
	if err != nil {
		w.log.Error("compile jobs", "err", err)
		return
	}
	w.table = table
	alias := w.host.Alias()
	for i := range dc.Hosts {
		if dc.Hosts[i].Alias == alias {
			w.hostDef = &dc.Hosts[i]
			break
		}
	}
}

func (w *Worker) shut() {
	w.slot.SetStatus(state.SlotDisconnecting)
	if w.conn != nil {
		if err := w.conn.close(); err != nil {
			w.log.Warn("close session", "err", err)
		}
		w.conn = nil
		w.debugf("disconnected after %d batches", w.batches)
	}
	removeTmpFiles()
	for _, c := range []interface{ Close() error }{
		w.transLog, w.debugLog, w.prodLog, w.confLog, w.own, w.fin, w.fsa,
	} {
		if c != nil {
			c.Close()
		}
	}
	w.transLog, w.debugLog, w.prodLog, w.confLog = nil, nil, nil, nil
	w.own, w.fin, w.fsa = nil, nil, nil
}

// debugf writes one transfer-debug line, prefixed like the transfer log so
// both read alike when tailed together.
func (w *Worker) debugf(format string, args ...any) {
	if w.debugLog == nil {
		return
	}
	prefix := fmt.Sprintf("%s[%d] ", w.host.Alias(), w.o.Slot)
	w.debugLog.Record(prefix + fmt.Sprintf(format, args...))
}
