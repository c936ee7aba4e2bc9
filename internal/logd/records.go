package logd

import (
	"fmt"
	"strings"
	"time"
)

// EventAction identifies the kind of event-log entry.
type EventAction int

const (
	EventStarted EventAction = iota + 1
	EventStopped
	EventHostEnabled
	EventHostDisabled
	EventQueuePaused
	EventQueueResumed
	EventTransferStopped
	EventTransferStarted
	EventHostError
	EventHostErrorCleared
	EventDirDisabled
	EventDirEnabled
	EventDirError
	EventScanStopped
	EventScanStarted
	EventConfigReread
)

var eventNames = [...]string{
	EventStarted:          "Started",
	EventStopped:          "Stopped",
	EventHostEnabled:      "HostEnabled",
	EventHostDisabled:     "HostDisabled",
	EventQueuePaused:      "QueuePaused",
	EventQueueResumed:     "QueueResumed",
	EventTransferStopped:  "TransferStopped",
	EventTransferStarted:  "TransferStarted",
	EventHostError:        "HostError",
	EventHostErrorCleared: "HostErrorCleared",
	EventDirDisabled:      "DirDisabled",
	EventDirEnabled:       "DirEnabled",
	EventDirError:         "DirError",
	EventScanStopped:      "ScanStopped",
	EventScanStarted:      "ScanStarted",
	EventConfigReread:     "ConfigReread",
}

func (a EventAction) String() string {
	if int(a) > 0 && int(a) < len(eventNames) {
		return eventNames[a]
	}
	return "Unknown"
}

// Event is one event-log entry.
type Event struct {
	Action  EventAction
	Subject string // host alias, directory alias or process name
	Detail  string
}

// Payload renders the framed event-log payload.
func (e Event) Payload() []byte {
	if e.Detail == "" {
		return []byte(fmt.Sprintf("%x %s", int(e.Action), e.Subject))
	}
	return []byte(fmt.Sprintf("%x %s %s", int(e.Action), e.Subject, e.Detail))
}

// Confirmation is one delivered-file record.
type Confirmation struct {
	Host       string
	Filename   string
	Size       int64
	Duration   time.Duration
	Retries    int
	JobID      uint32
	Unique     string
	ArchiveDir string // empty when the job does not archive
}

// Payload renders
// host|filename|size-hex|duration-float|retries-hex|job-id-hex|unique[|archive].
func (c Confirmation) Payload() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%x|%.3f|%x|%x|%s",
		c.Host, c.Filename, c.Size, c.Duration.Seconds(), c.Retries, c.JobID, c.Unique)
	if c.ArchiveDir != "" {
		b.WriteByte('|')
		b.WriteString(c.ArchiveDir)
	}
	return []byte(b.String())
}

// Production is one file-produced record: a rename rule or delivery option
// turned an original file into a new one.
type Production struct {
	Unique   string
	OrigDir  string
	JobID    uint32
	OrigName string
	NewName  string
	NewSize  int64
	RC       int
	Cmd      string
}

// Payload renders unique|origdir|jobid-hex|origname|newname|newsize-hex|rc|cmd.
func (p Production) Payload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%x|%s|%s|%x|%d|%s",
		p.Unique, p.OrigDir, p.JobID, p.OrigName, p.NewName, p.NewSize, p.RC, p.Cmd))
}

// Distribution records which jobs a scanned file was distributed to.
type Distribution struct {
	Dir    string
	File   string
	Size   int64
	JobIDs []uint32
}

// Payload renders dir|file|size-hex|jobid-hex[,jobid-hex...].
func (d Distribution) Payload() []byte {
	ids := make([]string, len(d.JobIDs))
	for i, id := range d.JobIDs {
		ids[i] = fmt.Sprintf("%x", id)
	}
	return []byte(fmt.Sprintf("%s|%s|%x|%s", d.Dir, d.File, d.Size, strings.Join(ids, ",")))
}

// Receive is one scanned-directory record for the receive log.
type Receive struct {
	Dir   string
	Files int
	Bytes int64
}

// Record renders the line-framed receive-log record.
func (r Receive) Record() string {
	return fmt.Sprintf("%s %d %d", r.Dir, r.Files, r.Bytes)
}

// Transfer is one delivery attempt record for the transfer log.
type Transfer struct {
	Host     string
	Slot     int
	Proto    string
	File     string
	Size     int64
	Duration time.Duration
	Status   string // "ok", "retry", "error <detail>"
}

// Record renders the line-framed transfer-log record.
func (t Transfer) Record() string {
	return fmt.Sprintf("%s[%d] %s %s %d %.3f %s",
		t.Host, t.Slot, t.Proto, t.File, t.Size, t.Duration.Seconds(), t.Status)
}
