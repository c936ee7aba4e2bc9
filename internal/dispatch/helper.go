package dispatch

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/holger24/afd/internal/fifo"
)

// A dispatch helper runs as a re-exec of our own binary. Two pipes carry a
// handshake: the child writes a ready byte once its process counters are
// registered, the parent answers with an ack. The parent only returns from
// Spawn once the counters are visible, so a crash between fork and
// registration cannot leak a slot.
const (
	helperReady = 'R'
	helperAck   = 'A'

	handshakeTimeout = 10 * time.Second
)

// Args renders the batch as helper command line arguments.
func (b *Batch) Args(work string) []string {
	args := []string{
		"__dispatch",
		"-w", work,
		"--dir-index", strconv.Itoa(b.DirIndex),
		"--batch", b.Dir,
		"--dir-path", b.DirPath,
		"--created", strconv.FormatInt(b.Created.Unix(), 10),
		"--unique", strconv.FormatUint(uint64(b.Unique), 10),
	}
	if b.HostFilter != "" {
		args = append(args, "--host-filter", b.HostFilter)
	}
	if b.JobFilter != 0 {
		args = append(args, "--job-filter", fmt.Sprintf("%x", b.JobFilter))
	}
	if b.NoGate {
		args = append(args, "--no-gate")
	}
	if b.Ephemeral {
		args = append(args, "--ephemeral")
	}
	return args
}

// Spawn starts a helper for the batch and waits for its ready byte. The
// returned command has been acked and must be reaped by the caller.
func Spawn(work string, b *Batch) (*exec.Cmd, error) {
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

	cmd := exec.Command(self, b.Args(work)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readyW, ackR} // child fds 3 and 4
	err = cmd.Start()
	readyW.Close()
	ackR.Close()
	if err != nil {
		readyR.Close()
		ackW.Close()
		return nil, fmt.Errorf("start helper: %w", err)
	}

	fail := func(reason error) (*exec.Cmd, error) {
		readyR.Close()
		ackW.Close()
		cmd.Process.Kill()
		go cmd.Wait()
		return nil, reason
	}

	readyR.SetReadDeadline(time.Now().Add(handshakeTimeout))
	buf := make([]byte, 1)
	if _, err := readyR.Read(buf); err != nil {
		return fail(fmt.Errorf("helper ready: %w", err))
	}
	if buf[0] != helperReady {
		return fail(fmt.Errorf("helper ready: unexpected byte %#x", buf[0]))
	}
	if _, err := ackW.Write([]byte{helperAck}); err != nil {
		return fail(fmt.Errorf("helper ack: %w", err))
	}
	readyR.Close()
	ackW.Close()
	return cmd, nil
}

// ChildSync performs the helper side of the handshake. Call it after the
// process counters are registered and before routing starts.
func ChildSync() error {
	ready := os.NewFile(3, "ready")
	ack := os.NewFile(4, "ack")
	if ready == nil || ack == nil {
		return fmt.Errorf("handshake pipes not inherited")
	}
	defer ready.Close()
	defer ack.Close()

	if _, err := ready.Write([]byte{helperReady}); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	ack.SetReadDeadline(time.Now().Add(handshakeTimeout))
	buf := make([]byte, 1)
	if _, err := ack.Read(buf); err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	if buf[0] != helperAck {
		return fmt.Errorf("await ack: unexpected byte %#x", buf[0])
	}
	return nil
}

// WriteFin reports a finished helper on the fin fifo.
func WriteFin(p *fifo.Pipe, pid, dirIndex, rc int) error {
	_, err := fmt.Fprintf(p, "%d %d %d\n", pid, dirIndex, rc)
	return err
}

// ParseFin decodes one fin fifo line.
func ParseFin(line string) (pid, dirIndex, rc int, err error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed fin line %q", line)
	}
	if pid, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed fin line %q: %w", line, err)
	}
	if dirIndex, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed fin line %q: %w", line, err)
	}
	if rc, err = strconv.Atoi(fields[2]); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed fin line %q: %w", line, err)
	}
	return pid, dirIndex, rc, nil
}
