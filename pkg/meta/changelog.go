package meta

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	_ "github.com/mattn/go-sqlite3"
	"xorm.io/xorm"
)

// Record is one parsed changelog line (§4.8):
//   <metaversion>|<timestamp>|<OP>(<args>):<result>
type Record struct {
	Metaversion uint64
	Timestamp   int64
	Op          string
	Args        []string
	Result      string
}

// Op mnemonics, per §4.8.
const (
	OpCreate       = "CREATE"
	OpSymlink      = "SYMLINK"
	OpUnlink       = "UNLINK"
	OpMove         = "MOVE"
	OpLink         = "LINK"
	OpTrunc        = "TRUNC"
	OpLength       = "LENGTH"
	OpWrite        = "WRITE"
	OpUnlock       = "UNLOCK"
	OpAttr         = "ATTR"
	OpSetGoal      = "SETGOAL"
	OpSetTrashTime = "SETTRASHTIME"
	OpSetEattr     = "SETEATTR"
	OpSetXattr     = "SETXATTR"
	OpSetACL       = "SETACL"
	OpDeleteACL    = "DELETEACL"
	OpAcquire      = "ACQUIRE"
	OpRelease      = "RELEASE"
	OpSession      = "SESSION"
	OpPurge        = "PURGE"
	OpUndel        = "UNDEL"
	OpRepair       = "REPAIR"
	OpAppend       = "APPEND"
	OpFlck         = "FLCK"
	OpClrLck       = "CLRLCK"
	OpFlckInode    = "FLCKINODE"
	OpRmPLock      = "RMPLOCK"
	OpNextChunkID  = "NEXTCHUNKID"
	OpIncVersion   = "INCVERSION"
	OpChecksum     = "CHECKSUM"
)

// escapeArg backslash-escapes control bytes so every changelog line stays
// printable ASCII (§4.8 "strings that may contain control bytes are
// quoted with backslash escapes").
func escapeArg(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '|':
			b.WriteString(`\p`)
		case ':':
			b.WriteString(`\c`)
		case ',':
			b.WriteString(`\,`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func unescapeArg(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'p':
			b.WriteByte('|')
		case 'c':
			b.WriteByte(':')
		case ',':
			b.WriteByte(',')
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
				}
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// FormatRecord renders a Record in the wire text grammar (§4.8).
func FormatRecord(meta uint64, ts int64, op string, args []string, result string) string {
	escaped := make([]string, len(args))
	for i, a := range args {
		escaped[i] = escapeArg(a)
	}
	return fmt.Sprintf("%d|%d|%s(%s):%s", meta, ts, op, strings.Join(escaped, ","), result)
}

// ParseRecord parses one changelog line back into a Record.
func ParseRecord(line string) (Record, error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return Record{}, errors.Errorf("malformed changelog line: %q", line)
	}
	meta, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Record{}, errors.Wrap(err, "parse metaversion")
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Record{}, errors.Wrap(err, "parse timestamp")
	}
	rest := parts[2]
	open := strings.IndexByte(rest, '(')
	closeParen := strings.LastIndexByte(rest, ')')
	colon := strings.LastIndexByte(rest, ':')
	if open < 0 || closeParen < 0 || colon < closeParen {
		return Record{}, errors.Errorf("malformed op/args/result in line: %q", line)
	}
	op := rest[:open]
	argsStr := rest[open+1 : closeParen]
	result := rest[colon+1:]
	var args []string
	if argsStr != "" {
		for _, a := range strings.Split(argsStr, ",") {
			args = append(args, unescapeArg(a))
		}
	}
	return Record{Metaversion: meta, Timestamp: ts, Op: op, Args: args, Result: result}, nil
}

// Applier performs the same mutation as the master for one changelog
// record, refusing (StatusMismatch) if the resulting state diverges from
// the record's encoded Result (§4.8). Implemented by Graph.
type Applier interface {
	ApplyRecord(rec Record) Status
}

// Changelog is the append-only, versioned mutation log (C8, §4.8). It
// owns the monotonic metaversion counter: every successful mutation
// bumps it and appends exactly one record, atomically from any other
// observer's point of view (§5).
type Changelog struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	startVer    uint64 // metaversion the current file starts at
	version     uint64 // current metaversion (next mutation logs this value, pre-increment)
	rotateBytes int64
	written     int64

	dataDirLock *flock.Flock

	mirror *xorm.Engine // optional secondary query mirror (SPEC_FULL domain stack)
}

type mirrorRow struct {
	Metaversion uint64 `xorm:"pk"`
	Timestamp   int64
	Op          string
	Args        string
	Result      string
}

// Open opens (creating if absent) the changelog in dir, taking an
// exclusive OS lock on the data directory so two masters can never run
// against the same snapshot concurrently (SPEC_FULL ambient/domain
// stack). startVersion is the metaversion to resume logging from (the
// snapshot's metaversion, per §6 "Persisted state").
func Open(dir string, startVersion uint64, rotateBytes int64, mirrorDSN string) (*Changelog, error) {
	lock := flock.New(filepath.Join(dir, "metadata.lfs.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock data directory")
	}
	if !ok {
		return nil, errors.Errorf("data directory %s is already locked by another master", dir)
	}

	c := &Changelog{dir: dir, startVer: startVersion, version: startVersion, rotateBytes: rotateBytes, dataDirLock: lock}
	if err := c.openFile(); err != nil {
		lock.Unlock()
		return nil, err
	}
	if mirrorDSN != "" {
		engine, err := xorm.NewEngine("sqlite3", mirrorDSN)
		if err != nil {
			return nil, errors.Wrap(err, "open changelog mirror")
		}
		if err := engine.Sync2(new(mirrorRow)); err != nil {
			return nil, errors.Wrap(err, "sync changelog mirror schema")
		}
		c.mirror = engine
	}
	return c, nil
}

func (c *Changelog) openFile() error {
	name := filepath.Join(c.dir, fmt.Sprintf("changelog.%d.lfs", c.startVer))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "open changelog file %s", name)
	}
	info, err := f.Stat()
	if err == nil {
		c.written = info.Size()
	}
	c.file = f
	return nil
}

// Append logs one mutation and returns the pre-increment metaversion
// that was written into the record (§4.8: "metaversion is the
// pre-increment value").
func (c *Changelog) Append(op string, args []string, result string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logged := c.version
	c.version++
	line := FormatRecord(logged, time.Now().Unix(), op, args, result)
	if _, err := fmt.Fprintln(c.file, line); err != nil {
		c.version-- // mutation failed to durably log; caller must not have committed state yet
		return 0, errors.Wrap(err, "append changelog record")
	}
	if err := c.file.Sync(); err != nil {
		return 0, errors.Wrap(err, "fsync changelog")
	}
	c.written += int64(len(line)) + 1

	if c.mirror != nil {
		row := mirrorRow{Metaversion: logged, Timestamp: time.Now().Unix(), Op: op, Args: strings.Join(args, ","), Result: result}
		if _, err := c.mirror.Insert(&row); err != nil {
			logger.Warnf("changelog mirror insert failed: %s", err)
		}
	}

	if c.rotateBytes > 0 && c.written >= c.rotateBytes {
		if err := c.rotate(); err != nil {
			logger.Errorf("changelog rotation failed: %s", err)
		}
	}
	return logged, nil
}

// EmitChecksum writes a CHECKSUM record without bumping metaversion — it
// is a diagnostic snapshot of the current running checksum, not a
// mutation (§4.8 "Periodically the master computes a checksum...").
func (c *Changelog) EmitChecksum(sum uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := FormatRecord(c.version, time.Now().Unix(), OpChecksum, nil, strconv.FormatUint(sum, 16))
	if _, err := fmt.Fprintln(c.file, line); err != nil {
		return errors.Wrap(err, "append checksum record")
	}
	return c.file.Sync()
}

// Version returns the current (next-to-be-logged) metaversion.
func (c *Changelog) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// rotate starts a new changelog file at the current version, per §6
// ("a new file starts at metaversion equal to the previous file's last
// +1"). Caller must hold c.mu.
func (c *Changelog) rotate() error {
	if err := c.file.Close(); err != nil {
		return err
	}
	c.startVer = c.version
	c.written = 0
	return c.openFile()
}

// Close releases the changelog file and the data-directory lock.
func (c *Changelog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.file.Close()
	if c.mirror != nil {
		_ = c.mirror.Close()
	}
	_ = c.dataDirLock.Unlock()
	return err
}

// Replay reads changelog records from r in order and applies each via
// applier. It stops at the first StatusMismatch (fatal to a shadow,
// §4.8) or the first malformed line, returning an error either way; the
// caller is expected to trigger a fresh-snapshot resync on error.
func Replay(r io.Reader, applier Applier) (lastVersion uint64, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<24)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return lastVersion, errors.Wrap(err, "replay: parse record")
		}
		if rec.Op == OpChecksum {
			lastVersion = rec.Metaversion
			continue
		}
		if st := applier.ApplyRecord(rec); st != StatusOK {
			return lastVersion, errors.Errorf("replay: %s on record %d: %s", StatusMismatch, rec.Metaversion, st)
		}
		lastVersion = rec.Metaversion + 1
	}
	if err := scanner.Err(); err != nil {
		return lastVersion, errors.Wrap(err, "replay: scan changelog")
	}
	return lastVersion, nil
}
