package fsdb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
)

func (b *Backend) logPath(name string) string {
	return filepath.Join(b.root, "logs", filepath.FromSlash(name))
}

func (b *Backend) HasReflog(name string) (bool, error) {
	if err := b.check(name); err != nil {
		return false, err
	}
	_, err := os.Stat(b.logPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("has reflog %q: %w", name, err)
}

func (b *Backend) EnsureReflog(name string) error {
	if err := b.check(name); err != nil {
		return err
	}
	path := b.logPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure reflog %q: %w", name, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ensure reflog %q: %w", name, err)
	}
	return f.Close()
}

// AppendReflog writes one line in the form
//
//	<old> <new> <name> <<email>> <unix> <tz>\t<message>
func (b *Backend) AppendReflog(name string, e refdb.ReflogEntry) error {
	if err := b.check(name); err != nil {
		return err
	}
	message := strings.TrimSpace(strings.ReplaceAll(e.Message, "\n", " "))
	if message == "" {
		message = "update"
	}
	when := e.Who.When
	if when.IsZero() {
		when = time.Now()
	}
	who := strings.TrimSpace(e.Who.Name)
	if who == "" {
		who = "unknown"
	}
	line := fmt.Sprintf("%s %s %s <%s> %d %s\t%s\n",
		e.Old, e.New, who, strings.TrimSpace(e.Who.Email), when.Unix(), formatTimezoneOffset(when), message)

	path := b.logPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("reflog mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reflog open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// ReadReflog returns entries newest first. Malformed lines are skipped.
func (b *Backend) ReadReflog(name string) ([]refdb.ReflogEntry, error) {
	if err := b.check(name); err != nil {
		return nil, err
	}
	f, err := os.Open(b.logPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reflog: %w", err)
	}
	defer f.Close()

	var entries []refdb.ReflogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry, ok := parseReflogLine(scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func parseReflogLine(line string) (refdb.ReflogEntry, bool) {
	var e refdb.ReflogEntry
	head, message, ok := strings.Cut(line, "\t")
	if !ok {
		return e, false
	}
	parts := strings.SplitN(head, " ", 3)
	if len(parts) < 3 {
		return e, false
	}
	var err error
	if e.Old, err = object.ParseID(parts[0]); err != nil {
		return e, false
	}
	if e.New, err = object.ParseID(parts[1]); err != nil {
		return e, false
	}

	ident := parts[2]
	lt := strings.LastIndex(ident, " <")
	gt := strings.LastIndex(ident, ">")
	if lt < 0 || gt < lt {
		return e, false
	}
	e.Who.Name = ident[:lt]
	e.Who.Email = ident[lt+2 : gt]
	fields := strings.Fields(ident[gt+1:])
	if len(fields) < 1 {
		return e, false
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return e, false
	}
	e.Who.When = time.Unix(ts, 0).UTC()
	if len(fields) > 1 {
		offset, ok := parseTimezoneOffset(fields[1])
		if !ok {
			return e, false
		}
		e.Who.When = e.Who.When.In(time.FixedZone("", offset))
	}
	e.Message = message
	return e, true
}

func (b *Backend) RenameReflog(oldName, newName string) error {
	if err := b.check(oldName); err != nil {
		return err
	}
	if err := b.check(newName); err != nil {
		return err
	}
	src, dst := b.logPath(oldName), b.logPath(newName)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if nested(oldName, newName) {
		return b.moveLogNested(src, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("rename reflog: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename reflog: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(src), filepath.Join(b.root, "logs"))
	return nil
}

// moveLogNested parks the log outside both paths while the directory
// between them is emptied or created, and moves it back on failure.
func (b *Backend) moveLogNested(src, dst string) error {
	logs := filepath.Join(b.root, "logs")
	tmp, err := os.CreateTemp(logs, ".tmp-renamed-log-")
	if err != nil {
		return fmt.Errorf("rename reflog: %w", err)
	}
	parked := tmp.Name()
	_ = tmp.Close()
	if err := os.Rename(src, parked); err != nil {
		_ = os.Remove(parked)
		return fmt.Errorf("rename reflog: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(src), logs)

	err = os.MkdirAll(filepath.Dir(dst), 0o755)
	if err == nil {
		err = os.Rename(parked, dst)
	}
	if err != nil {
		_ = os.MkdirAll(filepath.Dir(src), 0o755)
		if rerr := os.Rename(parked, src); rerr != nil {
			b.logger.Error("rename reflog: log parked", "path", parked, "error", rerr)
		}
		return fmt.Errorf("rename reflog: %w", err)
	}
	return nil
}

func (b *Backend) DeleteReflog(name string) error {
	if err := b.check(name); err != nil {
		return err
	}
	path := b.logPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete reflog: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(path), filepath.Join(b.root, "logs"))
	return nil
}

func formatTimezoneOffset(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hours := offset / 3600
	minutes := (offset % 3600) / 60
	return fmt.Sprintf("%s%02d%02d", sign, hours, minutes)
}

// parseTimezoneOffset reads "+hhmm" or "-hhmm" as seconds east of UTC.
func parseTimezoneOffset(s string) (int, bool) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return 0, false
	}
	hours, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(s[3:5])
	if err != nil || minutes > 59 {
		return 0, false
	}
	offset := hours*3600 + minutes*60
	if s[0] == '-' {
		offset = -offset
	}
	return offset, true
}
