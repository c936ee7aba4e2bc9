package afdd

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/holger24/afd/internal/logd"
	"github.com/holger24/afd/internal/paths"
	"github.com/holger24/afd/internal/state"
)

// sessionTimeout closes a session whose peer went quiet.
const sessionTimeout = 15 * time.Minute

// Log tail bounds.
const (
	defaultTailLines = 20
	maxTailLines     = 500
)

// SessionOptions configures one info session.
type SessionOptions struct {
	Layout paths.Layout
	Logger *slog.Logger
}

// session is the per-connection command loop state. The shared areas are
// attached per command, never held, so the answers always describe the
// areas as they are on disk right now.
type session struct {
	o    SessionOptions
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// ServeSession speaks the info grammar on conn until QUIT, an idle timeout
// or a peer disconnect. The caller owns neither conn nor its TLS wrapper
// afterwards.
func ServeSession(conn net.Conn, o SessionOptions) error {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &session{
		o:    o,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
	defer conn.Close()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	s.reply("220 %s AFD %s ready.", host, s.version())

	for {
		conn.SetReadDeadline(time.Now().Add(sessionTimeout))
		line, err := s.r.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.reply("421 Timeout, closing connection.")
				return nil
			}
			return err
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		cmd := strings.ToUpper(fields[0])
		args := fields[1:]

		switch cmd {
		case "NOP":
			s.reply("200 OK.")
		case "HELP":
			s.help()
		case "QUIT":
			s.reply("221 Goodbye.")
			return s.w.Flush()
		case "STAT":
			s.stat()
		case "PROC":
			s.proc()
		case "LOG":
			s.logTail(args)
		default:
			s.reply("500 Unknown command.")
		}
		if err := s.w.Flush(); err != nil {
			return err
		}
	}
}

// reply writes one protocol line.
func (s *session) reply(format string, args ...any) {
	fmt.Fprintf(s.w, format+"\r\n", args...)
}

// version reads the instance version from the status area.
func (s *session) version() string {
	st, err := state.AttachStatus(s.o.Layout.AfdStatusFile())
	if err != nil {
		return "unknown"
	}
	defer st.Close()
	if v := st.Version(); v != "" {
		return v
	}
	return "unknown"
}

func (s *session) help() {
	s.reply("214-The following commands are recognized:")
	s.reply("214-    HELP    LOG <type> [<lines>]    NOP    PROC    QUIT    STAT")
	s.reply("214-Log types: %s", strings.Join(logTypes(), " "))
	s.reply("214 End of HELP.")
}

// stat renders the queue gauges, one line per host, one per directory.
func (s *session) stat() {
	st, err := state.AttachStatus(s.o.Layout.AfdStatusFile())
	if err != nil {
		s.reply("550 Status area not available.")
		return
	}
	defer st.Close()

	s.reply("211-AFD %s, up since %s",
		st.Version(), st.StartTime().UTC().Format(time.RFC3339))
	s.reply("211-jobs in queue: %d (most seen %d), bursts %d",
		st.JobsInQueue(), st.MaxQueued(), st.Bursts())
	s.reply("211-forks: amg %d, fd %d, helpers active %d",
		st.AMGForks(), st.FDForks(), st.ActiveHelpers())

	if fsa, err := state.AttachFSA(s.o.Layout.FSAFile()); err == nil {
		for i := 0; i < fsa.Count(); i++ {
			h := fsa.Host(i)
			s.reply("211-host %-10s %-12s active %d/%d queued %d/%dB sent %d/%dB rate %.0fB/s errors %d/%d",
				h.Alias(), hostFlags(h.Status()),
				h.ActiveTransfers(), h.AllowedTransfers(),
				h.FilesQueued(), h.BytesQueued(),
				h.FilesSent(), h.BytesSent(),
				h.Rate(),
				h.ErrorCounter(), h.TotalErrors())
		}
		fsa.Close()
	} else {
		s.reply("211-no host area: %v", err)
	}

	if fra, err := state.AttachFRA(s.o.Layout.FRAFile()); err == nil {
		for i := 0; i < fra.Count(); i++ {
			d := fra.Dir(i)
			s.reply("211-dir  %-10s %-12s holding %d/%dB received %d/%dB last scan %s",
				d.Alias(), dirFlags(d.Status()),
				d.FilesInDir(), d.BytesInDir(),
				d.FilesReceived(), d.BytesReceived(),
				d.LastScan().UTC().Format(time.RFC3339))
		}
		fra.Close()
	} else {
		s.reply("211-no directory area: %v", err)
	}
	s.reply("211 End of STAT.")
}

// proc renders the supervisor's process table.
func (s *session) proc() {
	st, err := state.AttachStatus(s.o.Layout.AfdStatusFile())
	if err != nil {
		s.reply("550 Status area not available.")
		return
	}
	defer st.Close()

	for p := state.Proc(0); p < state.ProcCount; p++ {
		pv := st.Proc(p)
		s.reply("211-%-16s pid %-7d %-8s restarts %d",
			p, pv.Pid(), procState(pv.State()), pv.Restarts())
	}
	s.reply("211 End of PROC.")
}

// logTail sends the last lines of one rotated log's active file.
func (s *session) logTail(args []string) {
	if len(args) < 1 || len(args) > 2 {
		s.reply("501 Usage: LOG <type> [<lines>].")
		return
	}
	stream, ok := logd.StreamByFifo(strings.ToLower(args[0]))
	if !ok {
		s.reply("501 Unknown log type %q, one of: %s.", args[0], strings.Join(logTypes(), " "))
		return
	}
	n := defaultTailLines
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			s.reply("501 Line count must be a positive number.")
			return
		}
		n = v
	}
	if n > maxTailLines {
		n = maxTailLines
	}

	path := filepath.Join(s.o.Layout.Log(), stream.Name+".0")
	lines, err := tailLines(path, n)
	if err != nil {
		s.reply("550 %s not available.", stream.Name)
		return
	}
	for _, l := range lines {
		s.reply("250-%s", l)
	}
	s.reply("250 End of %s.", stream.Name)
}

// tailLines returns the last n lines of the file at path.
func tailLines(path string, n int) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// logTypes lists the accepted LOG arguments.
func logTypes() []string {
	out := make([]string, len(logd.Streams))
	for i, st := range logd.Streams {
		out[i] = st.Fifo
	}
	return out
}

// hostFlags renders the host status bits the way operators read them.
func hostFlags(bits uint32) string {
	var parts []string
	if bits&state.HostDisabled != 0 {
		parts = append(parts, "disabled")
	}
	if bits&state.HostPauseQueue != 0 {
		parts = append(parts, "paused")
	}
	if bits&state.HostStopTransfer != 0 {
		parts = append(parts, "stopped")
	}
	if bits&state.HostNotWorking != 0 {
		parts = append(parts, "not-working")
	}
	if len(parts) == 0 {
		return "ok"
	}
	return strings.Join(parts, "+")
}

// dirFlags renders the directory status bits.
func dirFlags(bits uint32) string {
	var parts []string
	if bits&state.DirDisabled != 0 {
		parts = append(parts, "disabled")
	}
	if bits&state.DirNotAccessible != 0 {
		parts = append(parts, "inaccessible")
	}
	if bits&state.DirWarnRaised != 0 {
		parts = append(parts, "warn")
	}
	if bits&state.DirMaxCopied != 0 {
		parts = append(parts, "backlog")
	}
	if len(parts) == 0 {
		return "ok"
	}
	return strings.Join(parts, "+")
}

// procState names one process state.
func procState(v uint32) string {
	switch v {
	case state.ProcOff:
		return "off"
	case state.ProcStarting:
		return "starting"
	case state.ProcOn:
		return "on"
	case state.ProcStopped:
		return "stopped"
	case state.ProcFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", v)
	}
}
