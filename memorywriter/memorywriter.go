// Package memorywriter keeps a bounded in-memory log: the first lines from
// startup are pinned, the rest rotate. The service exports it through the
// status page when a detailed trace is needed without writing disks full.
package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"
)

const maxLineLength = 500

type MemoryWriter struct {
	mu           sync.Mutex
	maxLineCount int
	lines        [][]byte // rotating tail, lines include newlines
	startCount   int
	startLines   [][]byte // pinned head
	startTime    time.Time
	printTime    bool
	tee          io.Writer // optional verbose passthrough
}

func New(size, startSize int, printTime bool, tee io.Writer) (*MemoryWriter, error) {
	if size <= 0 || startSize < 0 {
		return nil, errors.New("memorywriter: bad size")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		tee:          tee,
	}, nil
}

// Log records a line prefixed with the calling function's short name.
func (m *MemoryWriter) Log(s string) {
	caller := "?"
	if pc, _, _, ok := runtime.Caller(1); ok {
		name := runtime.FuncForPC(pc).Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		caller = name
	}
	m.Println(caller + " " + s)
}

func (m *MemoryWriter) Println(s string) {
	if _, err := m.Write([]byte(s + "\n")); err != nil {
		fmt.Println(err)
	}
}

// Write remembers the line in memory; under the pinned-head budget it never
// rotates, past it the oldest tail line falls off.
func (m *MemoryWriter) Write(p []byte) (int, error) {
	if len(p) > maxLineLength {
		return 0, errors.New("memorywriter: input too long")
	}

	var line []byte
	if m.printTime {
		now := time.Now()
		elapsed := now.Sub(m.startTime)
		line = []byte(fmt.Sprintf("[%.6f : %s] %s", elapsed.Seconds(), now.Format("15:04:05"), string(p)))
	} else {
		line = make([]byte, len(p))
		copy(line, p)
	}

	m.mu.Lock()
	if len(m.startLines) < m.startCount {
		m.startLines = append(m.startLines, line)
	} else {
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}
		m.lines = append(m.lines, line)
	}
	tee := m.tee
	m.mu.Unlock()

	if tee != nil {
		if _, err := tee.Write(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// writeTo exports newest-first tail, a separator, then newest-first head.
func (m *MemoryWriter) writeTo(start string, w io.Writer) error {
	if _, err := w.Write([]byte(start)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.lines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.lines[i]); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("...\n")); err != nil {
		return err
	}
	for i := len(m.startLines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.startLines[i]); err != nil {
			return err
		}
	}
	return nil
}

// String exports the buffer with start prepended.
func (m *MemoryWriter) String(start string) (string, error) {
	var b bytes.Buffer
	if err := m.writeTo(start, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports the buffer as gzip bytes for download.
func (m *MemoryWriter) Gzip(start string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Name = "log.txt"
	if err := m.writeTo(start, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
