// Package afdd is the TCP info daemon. It answers a small line protocol
// over which remote operators and monitors read the state of this instance:
// host and directory gauges, the process table and the tails of the rotated
// logs. Nothing in here mutates pipeline state; every area is attached
// fresh per command, so a reread that swaps an area underneath never leaves
// a session reporting stale records.
//
// One daemon serves plain TCP, a second one TLS with a self-signed
// certificate persisted on first run. Each accepted connection is normally
// handed to a re-exec'd session child with the raw descriptor; tests and
// single-process setups run sessions in process instead.
package afdd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/mask"
	"github.com/holger24/afd/internal/paths"
)

// portAttempts bounds the search for a free listen port. The configured
// port is tried first, then each successor.
const portAttempts = 100

// rejectTimeout bounds the courtesy reply to a refused connection.
const rejectTimeout = 5 * time.Second

// drainGrace is how long in-process sessions may finish after shutdown.
const drainGrace = 2 * time.Second

// Options configures one info daemon instance.
type Options struct {
	Layout paths.Layout
	Config config.Config
	TLS    bool // serve TLS with the persisted certificate (AFDDS)
	// ForkSessions re-execs a session child per connection. Off, sessions
	// run in process; tests and single-binary setups use that.
	ForkSessions bool
	Logger       *slog.Logger
}

// Daemon owns one listener and the sessions spawned from it.
type Daemon struct {
	o   Options
	log *slog.Logger

	ln      net.Listener
	port    int
	trusted *mask.Set
	tlsConf *tls.Config
	self    string

	active atomic.Int32
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New binds the listener and prepares the session plumbing. The TLS daemon
// loads the persisted certificate, generating one on first run.
func New(o Options) (*Daemon, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	d := &Daemon{
		o:     o,
		log:   o.Logger,
		conns: make(map[net.Conn]struct{}),
	}

	var err error
	if d.trusted, err = mask.CompileSet(o.Config.AFDD.TrustedIPs); err != nil {
		return nil, fmt.Errorf("trusted_ips: %w", err)
	}
	if d.self, err = os.Executable(); err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	if o.TLS {
		certPath, keyPath := certPaths(o.Layout, o.Config.AFDD)
		cert, fp, err := loadOrCreateCert(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("TLS certificate: %w", err)
		}
		d.tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		d.log.Info("info daemon certificate", "fingerprint", fp)
	}

	port := o.Config.AFDD.Port
	if o.TLS {
		port = o.Config.AFDD.TLSPort
	}
	if d.ln, d.port, err = listen(o.Config.AFDD.BindAddr, port, d.log); err != nil {
		return nil, err
	}
	return d, nil
}

// Addr returns the bound listener address.
func (d *Daemon) Addr() net.Addr { return d.ln.Addr() }

// Port returns the port actually bound, after any retries.
func (d *Daemon) Port() int { return d.port }

// listen binds bind:port, walking to the next port while the current one is
// taken. Ports inside the kernel's ephemeral range are never used: a daemon
// there would race local outbound connections after every restart.
func listen(bind string, port int, log *slog.Logger) (net.Listener, int, error) {
	lo, hi := ephemeralRange(log)
	for i := 0; i < portAttempts; i++ {
		p := port + i
		if p >= lo && p <= hi {
			return nil, 0, fmt.Errorf(
				"port %d is inside the kernel ephemeral range %d-%d", p, lo, hi)
		}
		if p > 65535 {
			break
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(p)))
		if err == nil {
			if i > 0 {
				log.Warn("configured port was taken", "configured", port, "bound", p)
			}
			return ln, p, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("listen %s:%d: %w", bind, p, err)
		}
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d", port, port+portAttempts-1)
}

// ephemeralRange reads the kernel's local port range. When the range cannot
// be read the conventional Linux defaults stand in.
func ephemeralRange(log *slog.Logger) (int, int) {
	b, err := os.ReadFile("/proc/sys/net/ipv4/ip_local_port_range")
	if err == nil {
		var lo, hi int
		if _, err := fmt.Sscanf(string(b), "%d %d", &lo, &hi); err == nil && lo > 0 && hi >= lo {
			return lo, hi
		}
	}
	log.Warn("cannot read ip_local_port_range, assuming 32768-60999")
	return 32768, 60999
}

// Run accepts connections until ctx is cancelled. Forked sessions survive
// the bounded drain and die with the daemon through the parent-death signal.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("info daemon listening", "addr", d.ln.Addr(), "tls", d.o.TLS)

	if p := d.o.Config.AFDD.MetricsPort; p > 0 && !d.o.TLS {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := serveMetrics(ctx, d.o.Layout, d.o.Config.AFDD.BindAddr, p, d.log); err != nil {
				d.log.Warn("metrics listener", "err", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		d.ln.Close()
		time.AfterFunc(drainGrace, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for c := range d.conns {
				c.Close()
			}
		})
	}()

	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d.log.Error("accept", "err", err)
			continue
		}
		d.handle(conn)
	}

	d.wg.Wait()
	return nil
}

// handle admits or refuses one fresh connection.
func (d *Daemon) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if !d.trustedIP(host) {
		d.log.Warn("connection from untrusted host", "remote", remote)
		reject(conn, "421 Service not available.")
		return
	}
	if int(d.active.Load()) >= d.o.Config.AFDD.MaxConnections {
		d.log.Warn("connection limit reached", "remote", remote,
			"limit", d.o.Config.AFDD.MaxConnections)
		reject(conn, "421 Too many connections, try again later.")
		return
	}
	d.log.Info("connection", "remote", remote)

	if d.o.ForkSessions {
		d.forkSession(conn, remote)
		return
	}
	d.serveInProcess(conn, remote)
}

// trustedIP applies the configured peer filter. With no patterns configured
// only local connections pass.
func (d *Daemon) trustedIP(host string) bool {
	if d.trusted.Empty() {
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
	return d.trusted.Match(host)
}

// reject sends the courtesy refusal and closes.
func reject(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	fmt.Fprintf(conn, "%s\r\n", line)
	conn.Close()
}

// forkSession re-execs a session child with the raw connection on fd 3 and
// closes the parent copies. The waiter only settles the session count;
// there is nothing else to clean up.
func (d *Daemon) forkSession(conn net.Conn, remote string) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		d.log.Error("cannot fork session for non-TCP connection", "remote", remote)
		conn.Close()
		return
	}
	f, err := tc.File()
	if err != nil {
		d.log.Error("dup connection", "remote", remote, "err", err)
		conn.Close()
		return
	}

	args := []string{SessionVerb, "-w", d.o.Layout.Work}
	if d.o.TLS {
		args = append(args, "--tls")
	}
	cmd := exec.Command(d.self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{f} // fd 3 in the child
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setPdeathsig(cmd.SysProcAttr)

	err = cmd.Start()
	f.Close()
	conn.Close()
	if err != nil {
		d.log.Error("start session child", "remote", remote, "err", err)
		return
	}

	d.active.Add(1)
	go func() {
		if err := cmd.Wait(); err != nil {
			d.log.Debug("session child exited", "pid", cmd.Process.Pid, "err", err)
		}
		d.active.Add(-1)
	}()
}

// serveInProcess runs the session in this process, on the TLS daemon behind
// the server handshake.
func (d *Daemon) serveInProcess(conn net.Conn, remote string) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()
	d.active.Add(1)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.conns, conn)
			d.mu.Unlock()
			d.active.Add(-1)
		}()

		c := conn
		if d.tlsConf != nil {
			c = tls.Server(conn, d.tlsConf)
		}
		if err := ServeSession(c, SessionOptions{Layout: d.o.Layout, Logger: d.log}); err != nil {
			d.log.Debug("session ended", "remote", remote, "err", err)
		}
	}()
}

// SessionVerb is the hidden argv verb of a forked session child.
const SessionVerb = "__afdd_session"

// RunSession is the child side of a forked session: it adopts the
// connection from fd 3, completes the TLS handshake when asked to and
// serves the command loop.
func RunSession(o Options) error {
	f := os.NewFile(3, "conn")
	if f == nil {
		return errors.New("session descriptor not inherited")
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("adopt session descriptor: %w", err)
	}

	if o.TLS {
		certPath, keyPath := certPaths(o.Layout, o.Config.AFDD)
		cert, _, err := loadOrCreateCert(certPath, keyPath)
		if err != nil {
			conn.Close()
			return fmt.Errorf("TLS certificate: %w", err)
		}
		conn = tls.Server(conn, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	return ServeSession(conn, SessionOptions{Layout: o.Layout, Logger: o.Logger})
}
