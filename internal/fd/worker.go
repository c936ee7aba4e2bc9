package fd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/holger24/afd/internal/fifo"
	"github.com/holger24/afd/internal/paths"
)

// A transfer worker runs as a re-exec of our own binary, one per host slot.
// Two pipes carry a handshake: the child writes a ready byte once it has
// attached the shared host area, the parent answers with an ack. The parent
// only returns from SpawnWorker once the worker is attached, so a crash
// between fork and attach cannot leave a half-claimed slot.
//
// After the handshake the worker owns a private fifo, fifo/sf_<pid>.fifo.
// It reports each finished batch on the shared fin fifo and then waits up
// to BurstWait on its own fifo for either another batch or a quit verb.
const (
	workerReady = 'R'
	workerAck   = 'A'

	spawnTimeout = 10 * time.Second
)

// BurstWait bounds how long an idle worker waits for a follow-up batch
// before disconnecting on its own.
const BurstWait = 2 * time.Second

// Verbs written into a worker's private fifo.
const (
	verbBurst = 'B' // next line field: mirror file of the follow-up batch
	verbQuit  = 'Q' // disconnect and exit
)

// WorkerFifo names the private fifo of the worker with the given pid.
func WorkerFifo(l paths.Layout, pid int) string {
	return filepath.Join(l.Fifo(), fmt.Sprintf("sf_%d.fifo", pid))
}

// Assignment is the first batch a transfer worker starts with. Everything
// else the worker needs, the job options included, it reads from the
// mirrored message and its own copy of the configuration.
type Assignment struct {
	MsgFile   string // mirrored job message to deliver
	HostIndex int    // shared host record
	Slot      int    // job status slot within the record
}

// Args renders the assignment as worker command line arguments.
func (a *Assignment) Args(work, proto string) []string {
	return []string{
		"__sf_" + proto,
		"-w", work,
		"--msg", a.MsgFile,
		"--host-index", strconv.Itoa(a.HostIndex),
		"--slot", strconv.Itoa(a.Slot),
	}
}

// SpawnWorker starts a transfer worker for the assignment and waits for its
// ready byte. The worker's private fifo exists before this returns. The
// returned command has been acked and must be reaped by the caller.
func SpawnWorker(l paths.Layout, proto string, a *Assignment) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	ackR, ackW, err := os.Pipe()
	if err != nil {
		readyR.Close()
		readyW.Close()
		return nil, err
	}

	cmd := exec.Command(self, a.Args(l.Work, proto)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readyW, ackR} // child fds 3 and 4
	err = cmd.Start()
	readyW.Close()
	ackR.Close()
	if err != nil {
		readyR.Close()
		ackW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	fail := func(reason error) (*exec.Cmd, error) {
		readyR.Close()
		ackW.Close()
		cmd.Process.Kill()
		go cmd.Wait()
		return nil, reason
	}

	// The fifo must exist before the ack: the worker opens it right after.
	if err := fifo.Create(WorkerFifo(l, cmd.Process.Pid)); err != nil {
		return fail(fmt.Errorf("worker fifo: %w", err))
	}

	readyR.SetReadDeadline(time.Now().Add(spawnTimeout))
	buf := make([]byte, 1)
	if _, err := readyR.Read(buf); err != nil {
		return fail(fmt.Errorf("worker ready: %w", err))
	}
	if buf[0] != workerReady {
		return fail(fmt.Errorf("worker ready: unexpected byte %#x", buf[0]))
	}
	if _, err := ackW.Write([]byte{workerAck}); err != nil {
		return fail(fmt.Errorf("worker ack: %w", err))
	}
	readyR.Close()
	ackW.Close()
	return cmd, nil
}

// ChildSync performs the worker side of the handshake. Call it after the
// shared host area is attached and before the first connect.
func ChildSync() error {
	ready := os.NewFile(3, "ready")
	ack := os.NewFile(4, "ack")
	if ready == nil || ack == nil {
		return fmt.Errorf("handshake pipes not inherited")
	}
	defer ready.Close()
	defer ack.Close()

	if _, err := ready.Write([]byte{workerReady}); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	ack.SetReadDeadline(time.Now().Add(spawnTimeout))
	buf := make([]byte, 1)
	if _, err := ack.Read(buf); err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	if buf[0] != workerAck {
		return fmt.Errorf("await ack: unexpected byte %#x", buf[0])
	}
	return nil
}

// WriteFin reports one finished batch on the fin fifo.
func WriteFin(p *fifo.Pipe, pid, rc int) error {
	_, err := fmt.Fprintf(p, "%d %d\n", pid, rc)
	return err
}

// ParseFin decodes one fin fifo line.
func ParseFin(line string) (pid, rc int, err error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed fin line %q", line)
	}
	if pid, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("malformed fin line %q: %w", line, err)
	}
	if rc, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("malformed fin line %q: %w", line, err)
	}
	return pid, rc, nil
}

// WriteBurst hands a worker its next batch.
func WriteBurst(p *fifo.Pipe, msgFile string) error {
	_, err := fmt.Fprintf(p, "%c %s\n", verbBurst, msgFile)
	return err
}

// WriteQuit tells a worker to disconnect and exit.
func WriteQuit(p *fifo.Pipe) error {
	_, err := fmt.Fprintf(p, "%c\n", verbQuit)
	return err
}

// ReadVerb waits up to d for the next instruction on the worker's private
// fifo. It returns the mirror file of a follow-up batch, or "" when the
// worker should quit. A lapsed wait reports fifo.ErrTimeout.
func ReadVerb(p *fifo.Pipe, d time.Duration) (string, error) {
	deadline := time.Now().Add(d)
	var acc []byte
	buf := make([]byte, 256)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return "", fifo.ErrTimeout
		}
		n, err := p.ReadDeadline(buf, left)
		acc = append(acc, buf[:n]...)
		if i := bytes.IndexByte(acc, '\n'); i >= 0 {
			line := strings.TrimSpace(string(acc[:i]))
			if len(line) > 1 && line[0] == verbBurst {
				return strings.TrimSpace(line[1:]), nil
			}
			return "", nil
		}
		if err != nil {
			return "", err
		}
	}
}
