package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/supervisor"
)

// version is set via ldflags at build time.
var version = "dev"

// startTimeout bounds how long a detached start may take before the
// foreground process gives up on the verdict byte.
const startTimeout = 30 * time.Second

func main() {
	// Re-exec verbs bypass cobra entirely: the supervisor and its helpers
	// spawn this binary with a hidden "__" argv[1] and a private flag set.
	if len(os.Args) > 1 && strings.HasPrefix(os.Args[1], "__") {
		os.Exit(runChild(os.Args[1], os.Args[2:]))
	}
	os.Exit(run())
}

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// legacyArgs rewrites the historical single-dash long options to their
// double-dash spelling so that operators' existing init scripts keep
// working. -w, -A and -C already parse as shorthands.
func legacyArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		switch a {
		case "--":
			return append(out, args[i:]...)
		case "-nd":
			a = "--nd"
		case "-sn":
			a = "--sn"
		}
		out = append(out, a)
	}
	return out
}

func run() int {
	var (
		workDir     string
		pauseScan   bool
		check       bool
		foreground  bool
		serviceName string
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "afd",
		Short: "Automatic file distribution",
		Long: `AFD watches configured directories and distributes arriving files to local
and remote destinations. Without further arguments it starts the full
process tree in the background and returns once the instance is up.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "afd %s\n", version)
				return nil
			}
			layout, err := paths.Resolve(workDir)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			cfg, err := config.Load(layout.ConfigFile())
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			if serviceName != "" {
				cfg.Service = serviceName
			}

			if !foreground {
				return detach(layout, pauseScan, check, serviceName)
			}
			code, err := supervise(superviseOpts{
				layout:    layout,
				cfg:       cfg,
				pauseScan: pauseScan,
				check:     check,
				tee:       true,
			})
			if code != 0 {
				return &exitError{code: code, err: err}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&workDir, "work-dir", "w", "",
		"work directory (default $AFD_WORK_DIR)")
	rootCmd.Flags().BoolVarP(&pauseScan, "pause-scan", "A", false,
		"start with directory scanning paused")
	rootCmd.Flags().BoolVarP(&check, "check", "C", false,
		"run startup consistency checks before starting")
	rootCmd.Flags().BoolVar(&foreground, "nd", false,
		"stay in the foreground and log to stderr")
	rootCmd.Flags().StringVar(&serviceName, "sn", "",
		"service name of this instance")
	rootCmd.Flags().BoolVar(&showVersion, "version", false,
		"print version and exit")

	rootCmd.AddCommand(newStopCmd(&workDir))
	rootCmd.AddCommand(newDocsCmd())

	rootCmd.SetArgs(legacyArgs(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// detach re-execs the supervisor as a session leader and waits for its
// verdict byte on an inherited pipe. The byte is the exit code the start
// would have had in the foreground; 0 means the process tree is up and
// owns the work directory.
func detach(l paths.Layout, pauseScan, check bool, service string) error {
	self, err := os.Executable()
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("resolve executable: %w", err)}
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer readyR.Close()

	args := []string{"__init", "-w", l.Work}
	if pauseScan {
		args = append(args, "-A")
	}
	if check {
		args = append(args, "-C")
	}
	if service != "" {
		args = append(args, "--sn", service)
	}
	cmd := exec.Command(self, args...)
	// Startup errors must still reach the invoking terminal; the child
	// closes stdio itself once it is committed.
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readyW} // fd 3 in the child
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	detachSession(cmd.SysProcAttr)
	err = cmd.Start()
	readyW.Close()
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("start supervisor: %w", err)}
	}

	readyR.SetReadDeadline(time.Now().Add(startTimeout))
	var b [1]byte
	if _, err := readyR.Read(b[:]); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return &exitError{code: 2, err: fmt.Errorf("supervisor gave no verdict: %w", err)}
	}
	code := int(b[0])
	if code == 0 {
		_ = cmd.Process.Release()
		return nil
	}
	_ = cmd.Wait()
	if code == 3 {
		return &exitError{code: 3, err: supervisor.ErrAlreadyRunning}
	}
	// Failure detail already went to stderr via the inherited descriptor.
	return &exitError{code: code}
}
