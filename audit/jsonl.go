package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/agentflow/internal/pathutil"
)

const DefaultRotateMaxBytes = 100 * 1024 * 1024

// maxLineBytes bounds a single event line on read-back.
const maxLineBytes = 1024 * 1024

// JSONLSink writes one event per line to the active segment at path. When the
// next line would push the segment past maxBytes, the segment is renamed to
// <path>.<utc timestamp> and a fresh one is started. List reads rotated
// segments oldest first and the active segment last.
type JSONLSink struct {
	path     string
	maxBytes int64

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	size int64
	buf  bytes.Buffer
	enc  *json.Encoder
}

func NewJSONLSink(path string, rotateMaxBytes int64) (*JSONLSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing jsonl path")
	}
	if rotateMaxBytes <= 0 {
		rotateMaxBytes = DefaultRotateMaxBytes
	}
	s := &JSONLSink{
		path:     pathutil.ExpandHomePath(path),
		maxBytes: rotateMaxBytes,
	}
	s.enc = json.NewEncoder(&s.buf)
	s.enc.SetEscapeHTML(false)
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path is the active segment.
func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Emit(_ context.Context, e Event) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("audit sink is closed")
	}

	s.buf.Reset()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	line := s.buf.Bytes()

	if s.size > 0 && s.size+int64(len(line)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.w.Write(line)
	s.size += int64(n)
	if err != nil {
		return err
	}
	return s.w.Flush()
}

// List decodes the events matching f, oldest first.
func (s *JSONLSink) List(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil {
		return nil, fmt.Errorf("nil audit sink")
	}
	s.mu.Lock()
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	segments, err := s.segments()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done, err := readSegment(seg, f, &out)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return out, nil
}

func (s *JSONLSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSegment()
}

// segments returns rotated segments in rotation order followed by the active
// one. Timestamps sort lexically.
func (s *JSONLSink) segments() ([]string, error) {
	rotated, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(rotated)
	if _, err := os.Stat(s.path); err == nil {
		rotated = append(rotated, s.path)
	}
	return rotated, nil
}

// readSegment appends the matching events of one file to out and reports
// whether f.Limit has been reached.
func readSegment(path string, f Filter, out *[]Event) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return false, fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if !f.Match(e) {
			continue
		}
		*out = append(*out, e)
		if f.Limit > 0 && len(*out) >= f.Limit {
			return true, nil
		}
	}
	return false, sc.Err()
}

func (s *JSONLSink) openSegment() error {
	if err := pathutil.EnsureParentDir(s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.w = bufio.NewWriterSize(f, 64*1024)
	s.size = st.Size()
	return nil
}

func (s *JSONLSink) closeSegment() error {
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f, s.w, s.size = nil, nil, 0
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (s *JSONLSink) rotate() error {
	if err := s.closeSegment(); err != nil {
		return err
	}
	base := s.path + "." + time.Now().UTC().Format("20060102T150405.000000000Z")
	rotated := base
	for i := 1; ; i++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		rotated = fmt.Sprintf("%s-%d", base, i)
	}
	// On rename failure the oversized segment stays active.
	_ = os.Rename(s.path, rotated)
	return s.openSegment()
}
