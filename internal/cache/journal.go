package cache

import (
	"bufio"
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

const (
	journalMagic   = "any-fetch.journal"
	journalVersion = "1"
)

// journal 记录类型。每条记录独占一行，以 '\n' 结尾才视为已落盘。
const (
	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRemove = "REMOVE"
	opRead   = "READ"
)

// replayState 是 journal 回放得到的中间结果，尚未与磁盘文件核对。
type replayState struct {
	entries   map[string]*entry
	lru       *list.List
	dirty     map[string]struct{}
	seq       uint64
	records   int
	truncated bool
}

func newReplayState() *replayState {
	return &replayState{
		entries: make(map[string]*entry),
		lru:     list.New(),
		dirty:   make(map[string]struct{}),
	}
}

// readJournal 读取并回放 journal。文件不存在时返回 fs.ErrNotExist；头部或中间
// 记录损坏时返回 ErrJournalCorrupt。最后一行缺少换行符时按不存在处理。
func readJournal(fsys FS, path string) (*replayState, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}

	header := journalHeader()
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, fmt.Errorf("%w: bad header", ErrJournalCorrupt)
	}
	body := data[len(header):]

	state := newReplayState()
	if n := bytes.LastIndexByte(body, '\n'); n != len(body)-1 {
		state.truncated = true
		body = body[:n+1]
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if err := state.apply(scanner.Text()); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrJournalCorrupt, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
	}
	return state, nil
}

func (s *replayState) apply(record string) error {
	fields := strings.Fields(record)
	if len(fields) < 2 {
		return fmt.Errorf("malformed record %q", record)
	}
	op, key := fields[0], fields[1]
	if !ValidKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	s.records++

	switch op {
	case opDirty:
		if len(fields) != 2 {
			return fmt.Errorf("malformed record %q", record)
		}
		s.dirty[key] = struct{}{}
	case opClean:
		if len(fields) != 3 {
			return fmt.Errorf("malformed record %q", record)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("bad size in %q", record)
		}
		delete(s.dirty, key)
		s.seq++
		if old, ok := s.entries[key]; ok {
			s.lru.Remove(old.elem)
		}
		e := &entry{key: key, size: size, seq: s.seq}
		e.elem = s.lru.PushFront(e)
		s.entries[key] = e
	case opRemove:
		if len(fields) != 2 {
			return fmt.Errorf("malformed record %q", record)
		}
		delete(s.dirty, key)
		if old, ok := s.entries[key]; ok {
			s.lru.Remove(old.elem)
			delete(s.entries, key)
		}
	case opRead:
		if len(fields) != 2 {
			return fmt.Errorf("malformed record %q", record)
		}
		if e, ok := s.entries[key]; ok {
			s.lru.MoveToFront(e.elem)
		}
	default:
		return fmt.Errorf("unknown op %q", op)
	}
	return nil
}

func journalHeader() string {
	return journalMagic + "\n" + journalVersion + "\n\n"
}

func formatRecord(op, key string, size int64) string {
	if op == opClean {
		return op + " " + key + " " + strconv.FormatInt(size, 10) + "\n"
	}
	return op + " " + key + "\n"
}

// compactJournal 以当前内存状态生成完整 journal：进行中的编辑写 DIRTY，
// 已提交条目按从旧到新的顺序写 CLEAN，回放后 LRU 顺序保持不变。
func compactJournal(lru *list.List, editing []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(journalHeader())
	for _, key := range editing {
		buf.WriteString(formatRecord(opDirty, key, 0))
	}
	for el := lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		buf.WriteString(formatRecord(opClean, e.key, e.size))
	}
	return buf.Bytes()
}

// journalWriter 串行追加记录，每条记录写入后立即交给 OS，Sync 时落盘。
type journalWriter struct {
	file File
	w    *bufio.Writer
}

func openJournalWriter(fsys FS, path string) (*journalWriter, error) {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &journalWriter{file: f, w: bufio.NewWriter(f)}, nil
}

func (j *journalWriter) append(op, key string, size int64) error {
	if _, err := j.w.WriteString(formatRecord(op, key, size)); err != nil {
		return err
	}
	return j.w.Flush()
}

func (j *journalWriter) sync() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *journalWriter) close() error {
	err := j.sync()
	if closeErr := j.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
