package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// MaxAllowedTransfers caps allowed_transfers per host. The shared host state
// carries exactly this many transfer slots per record.
const MaxAllowedTransfers = 8

// DefaultPriority is the job priority used when none is given. Lower numbers
// are dispatched first.
const DefaultPriority = 9

// ScanMode selects what happens to source files after pickup.
type ScanMode int

const (
	// ScanRemove picks files up and removes them from the source directory.
	ScanRemove ScanMode = iota
	// ScanKeepOnce leaves files in place and re-picks them only when name,
	// size or mtime changes.
	ScanKeepOnce
	// ScanKeepOnceOnly leaves files in place and never picks a name up twice.
	ScanKeepOnceOnly
	// ScanAppendOnly leaves files in place and picks up only data appended
	// since the last pass.
	ScanAppendOnly
)

func (m ScanMode) String() string {
	switch m {
	case ScanRemove:
		return "remove"
	case ScanKeepOnce:
		return "keep-once"
	case ScanKeepOnceOnly:
		return "keep-once-only"
	case ScanAppendOnly:
		return "append-only"
	}
	return fmt.Sprintf("scanmode(%d)", int(m))
}

// KeepsSource reports whether source files stay behind after pickup.
func (m ScanMode) KeepsSource() bool { return m != ScanRemove }

// UnmarshalText implements toml decoding for scan_mode values.
func (m *ScanMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "remove":
		*m = ScanRemove
	case "keep-once":
		*m = ScanKeepOnce
	case "keep-once-only":
		*m = ScanKeepOnceOnly
	case "append-only":
		*m = ScanAppendOnly
	default:
		return fmt.Errorf("unknown scan_mode %q", text)
	}
	return nil
}

// TimeMode says how a job schedule gates sending.
type TimeMode int

const (
	// TimeNone sends whenever files arrive.
	TimeNone TimeMode = iota
	// TimeCollect holds files and releases them at schedule boundaries.
	TimeCollect
	// TimeWindow sends only while the schedule matches the current minute.
	TimeWindow
)

func (m TimeMode) String() string {
	switch m {
	case TimeNone:
		return "none"
	case TimeCollect:
		return "collect"
	case TimeWindow:
		return "window"
	}
	return fmt.Sprintf("timemode(%d)", int(m))
}

// UnmarshalText implements toml decoding for time_mode values.
func (m *TimeMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "none":
		*m = TimeNone
	case "collect":
		*m = TimeCollect
	case "window":
		*m = TimeWindow
	default:
		return fmt.Errorf("unknown time_mode %q", text)
	}
	return nil
}

// CondOp is the comparison of an ignore condition.
type CondOp uint8

const (
	CondNone CondOp = iota
	CondEq
	CondLt
	CondGt
)

// Cond is a parsed ignore condition such as "=0", "<100" or ">1048576".
type Cond struct {
	Op    CondOp
	Value int64
}

// ParseCond parses an ignore_size / ignore_file_time value. The empty string
// means no condition.
func ParseCond(s string) (Cond, error) {
	if s == "" {
		return Cond{}, nil
	}
	var op CondOp
	switch s[0] {
	case '=':
		op = CondEq
	case '<':
		op = CondLt
	case '>':
		op = CondGt
	default:
		return Cond{}, fmt.Errorf("condition %q must start with '=', '<' or '>'", s)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s[1:]), 10, 64)
	if err != nil {
		return Cond{}, fmt.Errorf("condition %q: bad number", s)
	}
	return Cond{Op: op, Value: v}, nil
}

// Match evaluates the condition against v. A zero condition never matches.
func (c Cond) Match(v int64) bool {
	switch c.Op {
	case CondEq:
		return v == c.Value
	case CondLt:
		return v < c.Value
	case CondGt:
		return v > c.Value
	}
	return false
}

// DirConfig is the parsed etc/dirconfig.toml: which directories to watch,
// which hosts exist, and which jobs route files between them.
type DirConfig struct {
	Hosts []HostDef   `toml:"host"`
	Dirs  []DirDef    `toml:"directory"`
	Rules []RenameDef `toml:"rule"`
}

// HostDef describes one destination host.
type HostDef struct {
	Alias            string `toml:"alias"`
	Hostname         string `toml:"hostname"`           // primary real hostname
	HostnameToggle   string `toml:"hostname_toggle"`    // secondary, "" = none
	AutoToggle       bool   `toml:"auto_toggle"`        // flip to secondary after max_errors
	AllowedTransfers int    `toml:"allowed_transfers"`  // parallel workers, 1..MaxAllowedTransfers
	BlockSize        int    `toml:"block_size"`         // transfer buffer, bytes
	TransferTimeout  int    `toml:"transfer_timeout"`   // seconds
	RetryInterval    int    `toml:"retry_interval"`     // seconds, 0 = global default
	MaxErrors        int    `toml:"max_errors"`         // failures before NOT WORKING
	User             string `toml:"user"`               // remote login for sftp
	Port             int    `toml:"port"`               // remote port, 0 = protocol default
	KeyFile          string `toml:"key_file"`           // ssh private key for sftp
	Paused           bool   `toml:"paused"`             // start with the queue paused
}

// DirDef describes one watched source directory.
type DirDef struct {
	Alias             string   `toml:"alias"`
	Path              string   `toml:"path"`
	Create            bool     `toml:"create"` // create the directory when missing
	AcceptDotFiles    bool     `toml:"accept_dot_files"`
	ScanMode          ScanMode `toml:"scan_mode"`
	DeleteUnknownAge  int      `toml:"delete_unknown_age"` // seconds, 0 = keep unknown files
	DeleteQueuedAge   int      `toml:"delete_queued_age"`  // seconds, 0 = keep queued files
	WarnTime          int      `toml:"warn_time"`          // seconds without arrivals before warning
	InfoTime          int      `toml:"info_time"`          // seconds without arrivals before notice
	MaxErrors         int      `toml:"max_errors"`
	MaxProcess        int      `toml:"max_process"`           // per-directory helper cap, 0 = global
	MaxCopiedFiles    int      `toml:"max_copied_files"`      // batch override, 0 = global
	MaxCopiedFileSize int64    `toml:"max_copied_file_size"`  // batch override, 0 = global
	IgnoreSize        string   `toml:"ignore_size"`           // e.g. "=0", "<100", ">1048576"
	IgnoreFileTime    string   `toml:"ignore_file_time"`      // same prefixes, seconds of age
	ForceReread       bool     `toml:"force_reread"`          // reread even when mtime is unchanged
	EventMask         []string `toml:"event_mask"`            // fsnotify ops; empty = poll only
	TimeSchedule      []string `toml:"time_schedule"`         // cron lines gating scans
	Timezone          string   `toml:"timezone"`              // IANA name for the schedule
	Jobs              []JobDef `toml:"job"`
}

// JobDef routes files matching Masks to one host.
type JobDef struct {
	Masks        []string `toml:"masks"` // ordered, "!" prefix negates
	Host         string   `toml:"host"`  // HostDef alias
	Proto        string   `toml:"proto"` // "loc" or "sftp"
	Target       string   `toml:"target"`
	Priority     *int     `toml:"priority"` // 0..9, lower first; nil = DefaultPriority
	ArchiveTime  int      `toml:"archive_time"`  // seconds to keep delivered files, 0 = off
	AgeLimit     int      `toml:"age_limit"`     // seconds, 0 = central default
	DupTimeout   int      `toml:"dup_timeout"`   // seconds, 0 = no duplicate check
	DupAction    string   `toml:"dup_action"`    // "delete" or "warn"
	Compress     bool     `toml:"compress"`      // zstd on delivery
	Verify       bool     `toml:"verify"`        // checksum readback after delivery
	BWLimit      int64    `toml:"bwlimit"`       // bytes/second, 0 = unlimited
	TimeMode     TimeMode `toml:"time_mode"`
	TimeSchedule []string `toml:"time_schedule"` // cron lines, required unless TimeNone
	RenameRule   string   `toml:"rename_rule"`   // RenameDef name, "" = keep name
}

// RenameDef is a named list of filter→to mappings applied to delivered names.
type RenameDef struct {
	Name string      `toml:"name"`
	Maps []RenameMap `toml:"map"`
}

// RenameMap rewrites names matching From into To. To may reference wildcard
// captures from From as $1, $2, ...
type RenameMap struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// LoadDirConfig reads and validates the dirconfig file. Unlike the central
// config the file must exist: without records there is nothing to run.
func LoadDirConfig(path string) (DirConfig, error) {
	var dc DirConfig
	if _, err := toml.DecodeFile(path, &dc); err != nil {
		return DirConfig{}, fmt.Errorf("load %s: %w", path, err)
	}
	if err := dc.Validate(); err != nil {
		return DirConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	dc.applyDefaults()
	return dc, nil
}

// Validate checks structure and cross-references. Mask compilation and
// schedule parsing happen later, when the job table is built.
func (dc *DirConfig) Validate() error {
	if len(dc.Dirs) == 0 {
		return errors.New("no directories defined")
	}

	hosts := make(map[string]bool, len(dc.Hosts))
	for i, h := range dc.Hosts {
		if h.Alias == "" {
			return fmt.Errorf("host %d: alias missing", i)
		}
		if strings.ContainsAny(h.Alias, "/ \t") {
			return fmt.Errorf("host %s: alias must not contain '/' or blanks", h.Alias)
		}
		if hosts[h.Alias] {
			return fmt.Errorf("host %s: duplicate alias", h.Alias)
		}
		hosts[h.Alias] = true
		if h.AllowedTransfers < 0 || h.AllowedTransfers > MaxAllowedTransfers {
			return fmt.Errorf("host %s: allowed_transfers %d out of range 1..%d",
				h.Alias, h.AllowedTransfers, MaxAllowedTransfers)
		}
	}

	rules := make(map[string]bool, len(dc.Rules))
	for i, r := range dc.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name missing", i)
		}
		if rules[r.Name] {
			return fmt.Errorf("rule %s: duplicate name", r.Name)
		}
		if len(r.Maps) == 0 {
			return fmt.Errorf("rule %s: no mappings", r.Name)
		}
		rules[r.Name] = true
	}

	dirs := make(map[string]bool, len(dc.Dirs))
	for i, d := range dc.Dirs {
		name := d.Alias
		if name == "" {
			name = d.Path
		}
		if d.Path == "" {
			return fmt.Errorf("directory %d: path missing", i)
		}
		if !filepath.IsAbs(d.Path) {
			return fmt.Errorf("directory %s: path must be absolute", name)
		}
		if dirs[d.Path] {
			return fmt.Errorf("directory %s: duplicate path", d.Path)
		}
		dirs[d.Path] = true
		if d.ScanMode == ScanAppendOnly && d.ForceReread {
			return fmt.Errorf("directory %s: force_reread cannot combine with append-only", name)
		}
		if _, err := ParseCond(d.IgnoreSize); err != nil {
			return fmt.Errorf("directory %s: ignore_size: %w", name, err)
		}
		if _, err := ParseCond(d.IgnoreFileTime); err != nil {
			return fmt.Errorf("directory %s: ignore_file_time: %w", name, err)
		}
		if len(d.Jobs) == 0 {
			return fmt.Errorf("directory %s: no jobs", name)
		}
		for j, job := range d.Jobs {
			if len(job.Masks) == 0 {
				return fmt.Errorf("directory %s job %d: no file masks", name, j)
			}
			if !hosts[job.Host] {
				return fmt.Errorf("directory %s job %d: unknown host %q", name, j, job.Host)
			}
			switch job.Proto {
			case "loc", "sftp":
			default:
				return fmt.Errorf("directory %s job %d: unknown proto %q", name, j, job.Proto)
			}
			if job.Target == "" {
				return fmt.Errorf("directory %s job %d: target missing", name, j)
			}
			if job.Priority != nil && (*job.Priority < 0 || *job.Priority > 9) {
				return fmt.Errorf("directory %s job %d: priority %d out of range 0..9", name, j, *job.Priority)
			}
			if job.DupTimeout > 0 {
				switch job.DupAction {
				case "delete", "warn":
				default:
					return fmt.Errorf("directory %s job %d: unknown dup_action %q", name, j, job.DupAction)
				}
			}
			if job.TimeMode != TimeNone && len(job.TimeSchedule) == 0 {
				return fmt.Errorf("directory %s job %d: time_mode %s needs a time_schedule",
					name, j, job.TimeMode)
			}
			if job.RenameRule != "" && !rules[job.RenameRule] {
				return fmt.Errorf("directory %s job %d: unknown rename_rule %q", name, j, job.RenameRule)
			}
		}
	}
	return nil
}

func (dc *DirConfig) applyDefaults() {
	for i := range dc.Hosts {
		h := &dc.Hosts[i]
		if h.AllowedTransfers == 0 {
			h.AllowedTransfers = 3
		}
		if h.BlockSize == 0 {
			h.BlockSize = 4096
		}
		if h.TransferTimeout == 0 {
			h.TransferTimeout = 120
		}
		if h.MaxErrors == 0 {
			h.MaxErrors = 10
		}
	}
	for i := range dc.Dirs {
		d := &dc.Dirs[i]
		if d.Alias == "" {
			d.Alias = filepath.Base(d.Path)
		}
		if d.MaxErrors == 0 {
			d.MaxErrors = 10
		}
	}
}

// EffectivePriority resolves the job priority, applying the default.
func (j *JobDef) EffectivePriority() int {
	if j.Priority == nil {
		return DefaultPriority
	}
	return *j.Priority
}

// Host returns the host definition for alias, or nil.
func (dc *DirConfig) Host(alias string) *HostDef {
	for i := range dc.Hosts {
		if dc.Hosts[i].Alias == alias {
			return &dc.Hosts[i]
		}
	}
	return nil
}

// Rule returns the rename rule named name, or nil.
func (dc *DirConfig) Rule(name string) *RenameDef {
	for i := range dc.Rules {
		if dc.Rules[i].Name == name {
			return &dc.Rules[i]
		}
	}
	return nil
}
