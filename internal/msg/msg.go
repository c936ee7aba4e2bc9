// Package msg defines the fixed job-message record that travels from the
// dispatcher to the transfer dispatcher over the message fifo, and the
// naming scheme for pool and outgoing batches.
//
// The record layout is fixed little-endian:
//
//	offset  size  field
//	     0   256  outgoing batch directory, NUL terminated
//	   256    64  unique batch name, NUL terminated
//	   320     4  split counter (u32)
//	   324     4  unique counter (u32)
//	   328     8  creation time, unix seconds (i64)
//	   336     4  job index (u32)
//	   340     4  file count (u32)
//	   344     4  linked file count (u32)
//	   348     8  linked size, bytes (i64)
//	   356     1  fast-path flag
//	   357     3  reserved
//
// One record is one pipe write. RecordLen staying at or below the pipe
// atomicity bound is asserted by every process that opens the fifo.
package msg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// PathLen bounds the outgoing directory field.
	PathLen = 256
	// NameLen bounds the unique batch name field.
	NameLen = 64
	// RecordLen is the encoded size of one job message.
	RecordLen = 360
)

const (
	offPath     = 0
	offName     = PathLen
	offSplit    = PathLen + NameLen
	offUnique   = offSplit + 4
	offCreated  = offUnique + 4
	offJobIndex = offCreated + 8
	offFiles    = offJobIndex + 4
	offLinked   = offFiles + 4
	offSize     = offLinked + 4
	offFast     = offSize + 8
)

// ErrBadRecord is returned when a decoded buffer cannot hold a message.
var ErrBadRecord = errors.New("msg: malformed job message")

// Message is one job handed to the transfer dispatcher.
type Message struct {
	Outgoing    string // absolute outgoing batch directory
	UniqueName  string // shared batch identity, "<ctime-hex>_<unique-hex>"
	Split       uint32 // split counter within the batch
	Unique      uint32 // unique counter of the batch
	Created     int64  // batch creation time, unix seconds
	JobIndex    uint32 // position in the compiled job table
	FileCount   uint32 // files in the source pool batch
	LinkedFiles uint32 // files linked below Outgoing
	LinkedSize  int64  // bytes linked below Outgoing
	FastPath    bool   // eligible for burst continuation
}

// Encode renders the fixed record.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Outgoing) >= PathLen {
		return nil, fmt.Errorf("msg: outgoing path %d bytes, limit %d", len(m.Outgoing), PathLen-1)
	}
	if len(m.UniqueName) >= NameLen {
		return nil, fmt.Errorf("msg: unique name %d bytes, limit %d", len(m.UniqueName), NameLen-1)
	}

	b := make([]byte, RecordLen)
	copy(b[offPath:], m.Outgoing)
	copy(b[offName:], m.UniqueName)
	binary.LittleEndian.PutUint32(b[offSplit:], m.Split)
	binary.LittleEndian.PutUint32(b[offUnique:], m.Unique)
	binary.LittleEndian.PutUint64(b[offCreated:], uint64(m.Created))
	binary.LittleEndian.PutUint32(b[offJobIndex:], m.JobIndex)
	binary.LittleEndian.PutUint32(b[offFiles:], m.FileCount)
	binary.LittleEndian.PutUint32(b[offLinked:], m.LinkedFiles)
	binary.LittleEndian.PutUint64(b[offSize:], uint64(m.LinkedSize))
	if m.FastPath {
		b[offFast] = 1
	}
	return b, nil
}

// Decode parses one fixed record.
func Decode(b []byte) (*Message, error) {
	if len(b) != RecordLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadRecord, len(b))
	}
	path := cstr(b[offPath : offPath+PathLen])
	name := cstr(b[offName : offName+NameLen])
	if path == "" || name == "" {
		return nil, fmt.Errorf("%w: empty path or name", ErrBadRecord)
	}
	return &Message{
		Outgoing:    path,
		UniqueName:  name,
		Split:       binary.LittleEndian.Uint32(b[offSplit:]),
		Unique:      binary.LittleEndian.Uint32(b[offUnique:]),
		Created:     int64(binary.LittleEndian.Uint64(b[offCreated:])),
		JobIndex:    binary.LittleEndian.Uint32(b[offJobIndex:]),
		FileCount:   binary.LittleEndian.Uint32(b[offFiles:]),
		LinkedFiles: binary.LittleEndian.Uint32(b[offLinked:]),
		LinkedSize:  int64(binary.LittleEndian.Uint64(b[offSize:])),
		FastPath:    b[offFast] == 1,
	}, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// JobID extracts the job fingerprint from the outgoing path, whose parent
// directory is named by it.
func (m *Message) JobID() (uint32, error) {
	dir := filepath.Base(filepath.Dir(m.Outgoing))
	var id uint32
	if _, err := fmt.Sscanf(dir, "%x", &id); err != nil {
		return 0, fmt.Errorf("msg: no job id in path %s", m.Outgoing)
	}
	return id, nil
}

// UniqueName formats the batch identity shared by every split of one pickup.
func UniqueName(created int64, unique uint32) string {
	return fmt.Sprintf("%x_%x", created, unique)
}

// BatchName appends the split counter to the batch identity.
func BatchName(created int64, unique, split uint32) string {
	return fmt.Sprintf("%x_%x_%x", created, unique, split)
}

// PoolName names a pool batch directory: batch identity plus the id the
// pickup ran for.
func PoolName(created int64, unique, split, id uint32) string {
	return fmt.Sprintf("%x_%x_%x_%x", created, unique, split, id)
}

// MirrorName names the crash-recovery copy of one message.
func MirrorName(m *Message) string {
	return BatchName(m.Created, m.Unique, m.Split)
}

// WriteMirror stores the encoded message under dir for crash recovery. The
// write goes through a temporary name so readers never see a short record.
func WriteMirror(dir string, m *Message) (string, error) {
	b, err := m.Encode()
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, MirrorName(m))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return "", fmt.Errorf("write message mirror: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write message mirror: %w", err)
	}
	return final, nil
}

// ReadMirror loads a mirrored message.
func ReadMirror(path string) (*Message, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
