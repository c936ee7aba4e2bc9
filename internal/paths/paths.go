package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkDirEnv names the environment variable consulted when no -w flag is given.
const WorkDirEnv = "AFD_WORK_DIR"

// Layout resolves every well-known location below the AFD work directory.
// All long-lived processes construct one at startup and pass it down; nothing
// else concatenates work-dir paths by hand.
type Layout struct {
	Work string
}

// Resolve returns the layout for the given work dir, falling back to
// $AFD_WORK_DIR when flagDir is empty.
func Resolve(flagDir string) (Layout, error) {
	dir := flagDir
	if dir == "" {
		dir = os.Getenv(WorkDirEnv)
	}
	if dir == "" {
		return Layout{}, fmt.Errorf("no work directory: use -w or set %s", WorkDirEnv)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve work dir %q: %w", dir, err)
	}
	return Layout{Work: abs}, nil
}

func (l Layout) Etc() string     { return filepath.Join(l.Work, "etc") }
func (l Layout) Fifo() string    { return filepath.Join(l.Work, "fifo") }
func (l Layout) Files() string   { return filepath.Join(l.Work, "files") }
func (l Layout) Log() string     { return filepath.Join(l.Work, "log") }
func (l Layout) Archive() string { return filepath.Join(l.Work, "archive") }
func (l Layout) Crash() string   { return filepath.Join(l.Work, "crash") }

// Config files.
func (l Layout) ConfigFile() string    { return filepath.Join(l.Etc(), "afd.toml") }
func (l Layout) DirConfigFile() string { return filepath.Join(l.Etc(), "dirconfig.toml") }

// Staging areas below files/.
func (l Layout) Pool() string     { return filepath.Join(l.Files(), "pool") }
func (l Layout) Outgoing() string { return filepath.Join(l.Files(), "outgoing") }
func (l Layout) TimeDir() string  { return filepath.Join(l.Files(), "time") }
func (l Layout) Msg() string      { return filepath.Join(l.Files(), "msg") }
func (l Layout) LsData() string   { return filepath.Join(l.Files(), "incoming", "ls_data") }
func (l Layout) DupDB() string    { return filepath.Join(l.Files(), "dupcheck.db") }
func (l Layout) StatDB() string   { return filepath.Join(l.Files(), "stat.db") }

// State areas and control files below fifo/.
func (l Layout) FSAFile() string       { return filepath.Join(l.Fifo(), "FSA_STATUS") }
func (l Layout) FRAFile() string       { return filepath.Join(l.Fifo(), "FRA_STATUS") }
func (l Layout) AfdStatusFile() string { return filepath.Join(l.Fifo(), "AFD_STATUS") }
func (l Layout) HeartbeatFile() string { return filepath.Join(l.Fifo(), "HEARTBEAT") }
func (l Layout) CounterFile() string   { return filepath.Join(l.Fifo(), "COUNTER") }
func (l Layout) ActiveFile() string    { return filepath.Join(l.Fifo(), "AFD_ACTIVE") }

// Command and data fifos.
func (l Layout) AfdCmdFifo() string  { return filepath.Join(l.Fifo(), "afd_cmd.fifo") }
func (l Layout) AfdRespFifo() string { return filepath.Join(l.Fifo(), "afd_resp.fifo") }
func (l Layout) AmgCmdFifo() string  { return filepath.Join(l.Fifo(), "amg_cmd.fifo") }
func (l Layout) AmgRespFifo() string { return filepath.Join(l.Fifo(), "amg_resp.fifo") }
func (l Layout) FdCmdFifo() string   { return filepath.Join(l.Fifo(), "fd_cmd.fifo") }
func (l Layout) MsgFifo() string     { return filepath.Join(l.Fifo(), "msg.fifo") }
func (l Layout) FinFifo() string     { return filepath.Join(l.Fifo(), "ip_fin.fifo") }
func (l Layout) SfFinFifo() string   { return filepath.Join(l.Fifo(), "sf_fin.fifo") }
func (l Layout) HelperFifo() string  { return filepath.Join(l.Fifo(), "helper.fifo") }

// LogFifo returns the ingest fifo for the named log type ("system", "event", ...).
func (l Layout) LogFifo(name string) string {
	return filepath.Join(l.Fifo(), name+"_log.fifo")
}

// tree lists every directory MkTree creates. Order matters only for readability.
var tree = []func(Layout) string{
	Layout.Etc, Layout.Fifo, Layout.Files, Layout.Log, Layout.Archive, Layout.Crash,
	Layout.Pool, Layout.Outgoing, Layout.TimeDir, Layout.Msg, Layout.LsData,
}

// MkTree creates the full work-directory tree. Existing directories are kept.
func MkTree(l Layout) error {
	for _, f := range tree {
		if err := os.MkdirAll(f(l), 0o755); err != nil {
			return fmt.Errorf("create work tree: %w", err)
		}
	}
	return nil
}

// CheckTree verifies that every expected directory exists and is a directory.
// Used by the -C startup consistency pass.
func CheckTree(l Layout) error {
	for _, f := range tree {
		dir := f(l)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("work tree: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("work tree: %s is not a directory", dir)
		}
	}
	return nil
}
