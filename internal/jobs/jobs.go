// Package jobs compiles dirconfig routing rules into the job table shared
// by the scanner and the dispatcher.
//
// A job is one (directory, mask set, host) route with its delivery options.
// Jobs are numbered by table position; job messages carry that index. The
// fingerprint names the job on disk (outgoing and archive paths) and in
// logs, and stays stable across restarts for an unchanged definition.
package jobs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/mask"
	"github.com/holger24/afd/internal/schedule"
)

// Job is one compiled routing rule.
type Job struct {
	Index     int    // table position, carried by job messages
	ID        uint32 // definition fingerprint
	DirIndex  int    // directory record index
	DirAlias  string
	DirPath   string
	HostIndex int // host record index
	Host      string
	Proto     string
	Target    string
	Priority  int // 0..9, lower first

	Masks  *mask.Set
	Rename *mask.Rename // nil = keep the source name

	ArchiveTime time.Duration // 0 = no archive
	AgeLimit    time.Duration // 0 = no age limit
	DupTimeout  time.Duration // 0 = no duplicate check
	DupAction   string        // "delete" or "warn"
	Compress    bool
	Verify      bool
	BWLimit     int64 // bytes/second, 0 = unlimited

	TimeMode config.TimeMode
	Schedule *schedule.Schedule
}

// SendDue reports whether the job may dispatch at now a batch collected at
// created, honouring the job's time mode.
func (j *Job) SendDue(created, now time.Time) bool {
	switch j.TimeMode {
	case config.TimeCollect:
		return j.Schedule.StartReached(created, now)
	case config.TimeWindow:
		return j.Schedule.Within(now)
	}
	return true
}

// Table is the compiled job table. Order follows the dirconfig, so indexes
// are stable for one configuration generation.
type Table struct {
	Jobs  []*Job
	byDir [][]*Job
	byID  map[uint32]*Job
}

// Compile builds the table. defaultAgeLimit fills jobs that set no age
// limit of their own. Mask, rename and schedule syntax errors surface here.
func Compile(dc *config.DirConfig, defaultAgeLimit time.Duration) (*Table, error) {
	t := &Table{
		byDir: make([][]*Job, len(dc.Dirs)),
		byID:  make(map[uint32]*Job, len(dc.Dirs)),
	}
	hostIndex := make(map[string]int, len(dc.Hosts))
	for i, h := range dc.Hosts {
		hostIndex[h.Alias] = i
	}

	for di := range dc.Dirs {
		d := &dc.Dirs[di]
		for ji := range d.Jobs {
			j, err := compile(dc, di, d, &d.Jobs[ji], defaultAgeLimit, hostIndex)
			if err != nil {
				return nil, fmt.Errorf("directory %s job %d: %w", d.Alias, ji, err)
			}
			if prev, ok := t.byID[j.ID]; ok {
				return nil, fmt.Errorf("directory %s job %d: fingerprint %x collides with job %d",
					d.Alias, ji, j.ID, prev.Index)
			}
			j.Index = len(t.Jobs)
			t.Jobs = append(t.Jobs, j)
			t.byID[j.ID] = j
			t.byDir[di] = append(t.byDir[di], j)
		}
	}
	return t, nil
}

func compile(dc *config.DirConfig, dirIndex int, d *config.DirDef, jd *config.JobDef,
	defaultAgeLimit time.Duration, hostIndex map[string]int) (*Job, error) {

	masks, err := mask.CompileSet(jd.Masks)
	if err != nil {
		return nil, err
	}
	var ren *mask.Rename
	if jd.RenameRule != "" {
		ren, err = mask.CompileRename(*dc.Rule(jd.RenameRule))
		if err != nil {
			return nil, err
		}
	}
	sched, err := schedule.New(jd.TimeSchedule, d.Timezone)
	if err != nil {
		return nil, err
	}

	age := time.Duration(jd.AgeLimit) * time.Second
	if jd.AgeLimit == 0 {
		age = defaultAgeLimit
	}

	return &Job{
		ID:          fingerprint(d.Path, jd),
		DirIndex:    dirIndex,
		DirAlias:    d.Alias,
		DirPath:     d.Path,
		HostIndex:   hostIndex[jd.Host],
		Host:        jd.Host,
		Proto:       jd.Proto,
		Target:      jd.Target,
		Priority:    jd.EffectivePriority(),
		Masks:       masks,
		Rename:      ren,
		ArchiveTime: time.Duration(jd.ArchiveTime) * time.Second,
		AgeLimit:    age,
		DupTimeout:  time.Duration(jd.DupTimeout) * time.Second,
		DupAction:   jd.DupAction,
		Compress:    jd.Compress,
		Verify:      jd.Verify,
		BWLimit:     jd.BWLimit,
		TimeMode:    jd.TimeMode,
		Schedule:    sched,
	}, nil
}

// ForDir returns the jobs of one directory record, in definition order.
func (t *Table) ForDir(dirIndex int) []*Job {
	if dirIndex < 0 || dirIndex >= len(t.byDir) {
		return nil
	}
	return t.byDir[dirIndex]
}

// ByID returns the job with the given fingerprint, or nil.
func (t *Table) ByID(id uint32) *Job {
	return t.byID[id]
}

// Len returns the number of jobs in the table.
func (t *Table) Len() int { return len(t.Jobs) }

// fingerprint hashes the delivery-relevant fields of one definition. The
// lower 32 bits of the digest are the job id.
func fingerprint(dirPath string, j *config.JobDef) uint32 {
	h := xxhash.New()
	sep := []byte{0}
	write := func(s string) {
		h.Write([]byte(s))
		h.Write(sep)
	}

	write(dirPath)
	for _, m := range j.Masks {
		write(m)
	}
	write(j.Host)
	write(j.Proto)
	write(j.Target)
	write(strconv.Itoa(j.EffectivePriority()))
	write(strconv.Itoa(j.ArchiveTime))
	write(strconv.Itoa(j.AgeLimit))
	write(strconv.Itoa(j.DupTimeout))
	write(j.DupAction)
	write(strconv.FormatBool(j.Compress))
	write(strconv.FormatBool(j.Verify))
	write(strconv.FormatInt(j.BWLimit, 10))
	write(j.TimeMode.String())
	for _, ts := range j.TimeSchedule {
		write(ts)
	}
	write(j.RenameRule)

	return uint32(h.Sum64())
}
