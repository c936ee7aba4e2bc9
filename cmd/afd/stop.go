package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
	"github.com/holger24/afd/internal/supervisor"
)

// ackTimeout bounds the wait for the supervisor's acknowledgement of an
// admin verb.
const ackTimeout = 10 * time.Second

func newStopCmd(workDir *string) *cobra.Command {
	var fast bool
	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Shut down the running instance",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStop(*workDir, fast)
		},
	}
	cmd.Flags().BoolVar(&fast, "fast", false, "skip the drain grace for running transfers")
	return cmd
}

func runStop(workDir string, fast bool) error {
	l, err := paths.Resolve(workDir)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	cfg, err := config.Load(l.ConfigFile())
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if _, err := os.Stat(l.ActiveFile()); err != nil {
		fmt.Fprintf(os.Stderr, "no instance running in %s\n", l.Work)
		return nil
	}

	resp, err := fifo.Open(l.AfdRespFifo())
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("instance not reachable: %w", err)}
	}
	defer resp.Close()
	resp.Drain()

	verb := byte(supervisor.CmdShutdown)
	if fast {
		verb = supervisor.CmdShutdownAll
	}
	if err := fifo.Send(l.AfdCmdFifo(), verb); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("instance not reachable: %w", err)}
	}

	if b, err := resp.ReadByte(ackTimeout); err != nil || b != supervisor.Ackn {
		if heartbeatAlive(l, cfg) {
			return &exitError{code: 2, err: errors.New("supervisor is running but did not acknowledge")}
		}
		return &exitError{code: 2, err: errors.New("supervisor appears dead, sentinel is stale")}
	}

	// The ack only says the verb arrived. Done is when the sentinel is gone.
	deadline := time.Now().Add(cfg.ShutdownTimeout() + 5*time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(l.ActiveFile()); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return &exitError{code: 2, err: errors.New("instance did not stop within the shutdown budget")}
}

// heartbeatAlive watches the supervisor heartbeat for up to the configured
// staleness window and reports whether it advanced.
func heartbeatAlive(l paths.Layout, cfg config.Config) bool {
	hb, err := state.OpenHeartbeat(l.HeartbeatFile())
	if err != nil {
		return false
	}
	defer hb.Close()

	first := hb.Value()
	stale := time.Duration(cfg.Stat.HeartbeatStale) * time.Second
	if stale <= 0 {
		stale = 30 * time.Second
	}
	deadline := time.Now().Add(stale)
	for time.Now().Before(deadline) {
		time.Sleep(time.Second)
		if hb.Value() != first {
			return true
		}
	}
	return false
}
