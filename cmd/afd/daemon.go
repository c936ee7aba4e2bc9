package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/holger24/afd/internal/afdd"
	"github.com/holger24/afd/internal/archivewatch"
	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/dispatch"
	"github.com/holger24/afd/internal/dupcheck"
	"github.com/holger24/afd/internal/fd"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/helper"
	"github.com/holger24/afd/internal/jobs"
	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/scan"
	"github.com/holger24/afd/internal/sf"
	"github.com/holger24/afd/internal/statcol"
	"github.com/holger24/afd/internal/state"
	"github.com/holger24/afd/internal/supervisor"
)

type superviseOpts struct {
	layout    paths.Layout
	cfg       config.Config
	pauseScan bool
	check     bool
	tee       bool   // also log to stderr (foreground mode)
	started   func() // runs once the instance owns the work directory
}

// supervise claims the work directory and runs the process tree until a
// shutdown verb or signal ends it. The returned code is the process exit
// code: 1 setup failure, 2 runtime failure, 3 already running.
func supervise(o superviseOpts) (int, error) {
	if err := paths.MkTree(o.layout); err != nil {
		return 1, err
	}

	var tee slog.Handler
	if o.tee {
		hopts := &slog.HandlerOptions{
			Level:       logd.LevelConfig,
			ReplaceAttr: logd.ReplaceLevelNames,
		}
		if term.IsTerminal(int(os.Stderr.Fd())) {
			tee = slog.NewTextHandler(os.Stderr, hopts)
		} else {
			tee = slog.NewJSONHandler(os.Stderr, hopts)
		}
	}
	log, closeLog := newLogger(o.layout, "init", tee)
	defer closeLog()

	sup, err := supervisor.New(supervisor.Options{
		Layout:    o.layout,
		Config:    o.cfg,
		Version:   version,
		PauseScan: o.pauseScan,
		Check:     o.check,
		Logger:    log,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			return 3, err
		}
		return 1, err
	}
	if o.started != nil {
		o.started()
	}
	log.Log(context.Background(), logd.LevelConfig, "instance configuration",
		"service", o.cfg.Service,
		"config", o.layout.ConfigFile(),
		"max_process", o.cfg.MaxProcess,
		"shutdown_budget", o.cfg.ShutdownTimeout())

	ctx, stopSig := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stopSig()

	err = sup.Run(ctx)
	if cerr := sup.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Log(context.Background(), logd.LevelFatal, "supervisor failed", "err", err)
		return 2, err
	}
	return 0, nil
}

// newLogger builds the slog logger for one process of the tree. Records go
// to the system log fifo; before the fifo is usable (or when opening it
// fails) they fall back to stderr. extra, when non-nil, receives a copy of
// every record.
func newLogger(l paths.Layout, proc string, extra slog.Handler) (*slog.Logger, func()) {
	var (
		h       slog.Handler
		closeFn func()
	)
	lc, err := logd.NewLineClient(l.LogFifo("system"))
	if err != nil {
		h = logd.NewSystemHandler(os.Stderr, logd.LevelConfig)
		closeFn = func() {}
	} else {
		h = logd.NewSystemHandler(lc, logd.LevelConfig)
		closeFn = func() { lc.Close() }
	}
	if extra != nil {
		h = logd.NewMultiHandler(h, extra)
	}
	log := slog.New(h).With("proc", proc)
	slog.SetDefault(log)
	return log, closeFn
}

// runChild runs one hidden re-exec verb. Exit codes feed the supervisor's
// restart policy: 0 done, 1 unusable setup (give up), 2 re-read restart,
// 3 shared area lost, 4 plain restart.
func runChild(verb string, args []string) int {
	switch verb {
	case "__init":
		return runInit(args)
	case "__dispatch":
		return runDispatch(args)
	case "__sf_loc", "__sf_sftp":
		return runTransfer(strings.TrimPrefix(verb, "__sf_"), args)
	case afdd.SessionVerb:
		return runSession(args)
	}
	return runDaemon(verb, args)
}

// runInit is the detached supervisor entry. It reports its verdict as a
// single byte on fd 3 and detaches from the invoking terminal once the
// instance is committed.
func runInit(args []string) int {
	fs := pflag.NewFlagSet("__init", pflag.ContinueOnError)
	workDir := fs.StringP("work-dir", "w", "", "")
	pauseScan := fs.BoolP("pause-scan", "A", false, "")
	check := fs.BoolP("check", "C", false, "")
	service := fs.String("sn", "", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ready := os.NewFile(3, "ready")
	sent := false
	verdict := func(code int) {
		if sent || ready == nil {
			return
		}
		sent = true
		_, _ = ready.Write([]byte{byte(code)})
		ready.Close()
	}

	layout, err := paths.Resolve(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		verdict(1)
		return 1
	}
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		verdict(1)
		return 1
	}
	if *service != "" {
		cfg.Service = *service
	}

	code, err := supervise(superviseOpts{
		layout:    layout,
		cfg:       cfg,
		pauseScan: *pauseScan,
		check:     *check,
		started: func() {
			verdict(0)
			closeStdio()
		},
	})
	if err != nil && !sent {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	verdict(code)
	return code
}

// childEnv is the shared bootstrap of every supervised daemon child.
type childEnv struct {
	layout paths.Layout
	cfg    config.Config
	log    *slog.Logger
}

// runDaemon covers the long-lived children of the supervisor. They share
// the flag surface, logger setup and signal contract; SIGHUP means exit 2
// so that the restarted process rereads everything under etc/.
func runDaemon(verb string, args []string) int {
	fs := pflag.NewFlagSet(verb, pflag.ContinueOnError)
	workDir := fs.StringP("work-dir", "w", "", "work directory")
	paused := fs.Bool("paused", false, "start with scanning paused")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	proc := strings.TrimPrefix(verb, "__")
	var stream logd.Stream
	if verb == "__logd" {
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Error: __logd needs a fifo base name")
			return 1
		}
		st, ok := logd.StreamByFifo(fs.Arg(0))
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: no log stream for fifo %q\n", fs.Arg(0))
			return 1
		}
		stream = st
		proc = strings.ToLower(st.Name)
	}

	layout, err := paths.Resolve(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log, closeLog := newLogger(layout, proc, nil)
	defer closeLog()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		<-hup
		os.Exit(2)
	}()

	ctx, stopSig := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stopSig()

	env := childEnv{layout: layout, cfg: cfg, log: log}
	var runErr error
	switch verb {
	case "__logd":
		runErr = runLogd(ctx, env, stream)
	case "__amg":
		runErr = runScanner(ctx, env, *paused)
	case "__fd":
		runErr = runFD(ctx, env)
	case "__afdd":
		runErr = runInfoDaemon(ctx, env, false)
	case "__afdds":
		runErr = runInfoDaemon(ctx, env, true)
	case "__archivewatch":
		runErr = archivewatch.New(archivewatch.Options{
			Layout:   env.layout,
			Interval: time.Duration(env.cfg.Stat.ArchiveSweep) * time.Second,
			Logger:   env.log,
		}).Run(ctx)
	case "__stat":
		runErr = runStatCollector(ctx, env)
	case "__ratelog":
		runErr = runRateLog(ctx, env)
	case "__helper":
		runErr = runHelper(ctx, env)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown child verb %q\n", verb)
		return 1
	}
	return childExit(env.log, runErr)
}

// childExit maps a daemon error onto the restart-policy exit codes.
func childExit(log *slog.Logger, err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, state.ErrIncompatibleLayout) {
		log.Error("shared area incompatible, requesting rebuild", "err", err)
		return 3
	}
	log.Log(context.Background(), logd.LevelFatal, "daemon failed", "err", err)
	return supervisor.ProcessNeedsRestart
}

func runLogd(ctx context.Context, env childEnv, st logd.Stream) error {
	d := logd.New(logd.Options{
		Name:       st.Name,
		Mode:       st.Mode,
		Dir:        env.layout.Log(),
		FifoPath:   env.layout.LogFifo(st.Fifo),
		KeepFiles:  env.cfg.Log.KeepFiles,
		MaxSize:    env.cfg.Log.MaxSize,
		SwitchHour: env.cfg.Log.SwitchHour,
		FlushEvery: time.Duration(env.cfg.Log.FlushSeconds) * time.Second,
		FlushAfter: env.cfg.Log.FlushRecords,
		Logger:     env.log,
	})
	return d.Run(ctx)
}

func runScanner(ctx context.Context, env childEnv, paused bool) error {
	s, err := scan.New(scan.Options{
		Layout: env.layout,
		Config: env.cfg,
		Paused: paused,
		Logger: env.log,
	})
	if err != nil {
		return err
	}
	err = s.Run(ctx)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func runFD(ctx context.Context, env childEnv) error {
	f, err := fd.New(fd.Options{
		Layout: env.layout,
		Config: env.cfg,
		Logger: env.log,
	})
	if err != nil {
		return err
	}
	err = f.Run(ctx)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func runInfoDaemon(ctx context.Context, env childEnv, tls bool) error {
	d, err := afdd.New(afdd.Options{
		Layout:       env.layout,
		Config:       env.cfg,
		TLS:          tls,
		ForkSessions: true,
		Logger:       env.log,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func runStatCollector(ctx context.Context, env childEnv) error {
	c, err := statcol.NewCollector(statcol.Options{
		Layout:   env.layout,
		Interval: time.Duration(env.cfg.Stat.Interval) * time.Second,
		Logger:   env.log,
	})
	if err != nil {
		return err
	}
	err = c.Run(ctx)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

func runRateLog(ctx context.Context, env childEnv) error {
	r, err := statcol.NewRateLog(statcol.RateOptions{
		Layout:   env.layout,
		Interval: time.Duration(env.cfg.Stat.RateInterval) * time.Second,
		Log:      env.cfg.Log,
		Logger:   env.log,
	})
	if err != nil {
		return err
	}
	err = r.Run(ctx)
	r.Close()
	return err
}

func runHelper(ctx context.Context, env childEnv) error {
	h, err := helper.New(helper.Options{
		Layout: env.layout,
		OldAge: time.Duration(env.cfg.Stat.OldFileTime) * time.Second,
		Logger: env.log,
	})
	if err != nil {
		return err
	}
	err = h.Run(ctx)
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	return err
}

// runDispatch is a forked routing helper. A setup failure before the
// handshake surfaces on the scanner as a failed spawn and the batch runs
// inline there. After the handshake every outcome travels as a fin record,
// so the process itself exits 0 unless the fin could not be written.
func runDispatch(args []string) int {
	fs := pflag.NewFlagSet("__dispatch", pflag.ContinueOnError)
	workDir := fs.StringP("work-dir", "w", "", "")
	dirIndex := fs.Int("dir-index", 0, "")
	batchDir := fs.String("batch", "", "")
	dirPath := fs.String("dir-path", "", "")
	created := fs.Int64("created", 0, "")
	unique := fs.Uint32("unique", 0, "")
	hostFilter := fs.String("host-filter", "", "")
	jobFilter := fs.String("job-filter", "", "")
	noGate := fs.Bool("no-gate", false, "")
	ephemeral := fs.Bool("ephemeral", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	signal.Ignore(syscall.SIGHUP)

	layout, err := paths.Resolve(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log, closeLog := newLogger(layout, "dispatch", nil)
	defer closeLog()

	b := dispatch.Batch{
		Dir:        *batchDir,
		DirIndex:   *dirIndex,
		DirPath:    *dirPath,
		Created:    time.Unix(*created, 0),
		Unique:     *unique,
		HostFilter: *hostFilter,
		NoGate:     *noGate,
		Ephemeral:  *ephemeral,
	}
	if *jobFilter != "" {
		id, perr := strconv.ParseUint(*jobFilter, 16, 32)
		if perr != nil {
			log.Error("bad job filter", "value", *jobFilter, "err", perr)
			return 1
		}
		b.JobFilter = uint32(id)
	}

	fail := func(stage string, err error) int {
		log.Error("dispatch setup failed", "stage", stage, "err", err)
		return 1
	}

	dc, err := config.LoadDirConfig(layout.DirConfigFile())
	if err != nil {
		return fail("dirconfig", err)
	}
	table, err := jobs.Compile(&dc, time.Duration(cfg.DefaultAgeLimit)*time.Second)
	if err != nil {
		return fail("compile", err)
	}
	fsa, err := state.AttachFSA(layout.FSAFile())
	if err != nil {
		return fail("fsa", err)
	}
	defer fsa.Close()
	msgs, err := fifo.Open(layout.MsgFifo())
	if err != nil {
		return fail("msg fifo", err)
	}
	defer msgs.Close()
	distLog, err := logd.NewFrameClient(layout.LogFifo("distribution"))
	if err != nil {
		return fail("distribution log", err)
	}
	defer distLog.Close()
	prodLog, err := logd.NewFrameClient(layout.LogFifo("production"))
	if err != nil {
		return fail("production log", err)
	}
	defer prodLog.Close()
	dup, err := dupcheck.Open(layout.DupDB())
	if err != nil {
		return fail("dupcheck", err)
	}
	defer dup.Close()
	fin, err := fifo.Open(layout.FinFifo())
	if err != nil {
		return fail("fin fifo", err)
	}
	defer fin.Close()

	disp, err := dispatch.New(dispatch.Options{
		Layout:  layout,
		Table:   table,
		FSA:     fsa,
		MsgPipe: msgs,
		DistLog: distLog,
		ProdLog: prodLog,
		DupDB:   dup,
		Logger:  log,
	})
	if err != nil {
		return fail("dispatcher", err)
	}

	if err := dispatch.ChildSync(); err != nil {
		return fail("handshake", err)
	}

	rc := 0
	if err := disp.Run(&b); err != nil {
		log.Error("route batch", "batch", b.Dir, "err", err)
		rc = 1
	}
	if err := dispatch.WriteFin(fin, os.Getpid(), b.DirIndex, rc); err != nil {
		// The scanner's waiter synthesizes a fin for a nonzero exit.
		return 1
	}
	return 0
}

// runTransfer is one forked transfer worker. sf.New answers the spawn
// handshake itself, so a setup error here surfaces on the queue daemon as
// a failed spawn.
func runTransfer(proto string, args []string) int {
	fs := pflag.NewFlagSet("__sf_"+proto, pflag.ContinueOnError)
	workDir := fs.StringP("work-dir", "w", "", "")
	msgFile := fs.String("msg", "", "")
	hostIndex := fs.Int("host-index", 0, "")
	slot := fs.Int("slot", 0, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	signal.Ignore(syscall.SIGHUP)

	layout, err := paths.Resolve(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log, closeLog := newLogger(layout, "sf_"+proto, nil)
	defer closeLog()

	ctx, stopSig := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stopSig()

	w, err := sf.New(sf.Options{
		Layout:    layout,
		Config:    cfg,
		Proto:     proto,
		MsgFile:   *msgFile,
		HostIndex: *hostIndex,
		Slot:      *slot,
		Logger:    log,
	})
	if err != nil {
		log.Error("transfer worker setup", "proto", proto, "err", err)
		return 1
	}
	if err := w.Run(ctx); err != nil {
		log.Error("transfer worker", "proto", proto, "err", err)
		return 1
	}
	return 0
}

// runSession serves one admin connection inherited on fd 3 from the
// listening info daemon.
func runSession(args []string) int {
	fs := pflag.NewFlagSet(afdd.SessionVerb, pflag.ContinueOnError)
	workDir := fs.StringP("work-dir", "w", "", "")
	useTLS := fs.Bool("tls", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	layout, err := paths.Resolve(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log, closeLog := newLogger(layout, "afdd_session", nil)
	defer closeLog()

	if err := afdd.RunSession(afdd.Options{
		Layout: layout,
		Config: cfg,
		TLS:    *useTLS,
		Logger: log,
	}); err != nil {
		log.Debug("session ended", "err", err)
		return 1
	}
	return 0
}
