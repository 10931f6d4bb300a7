// Package utils provides small helpers shared by the s3rotate packages.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// maxPending is the most bytes held while waiting for the end of a line
const maxPending = 1024 * 1024 // 1MB

// LogInterceptor implements io.Writer and stamps every complete line written through it
// with a sequence number and a timestamp before passing it to the target.
// Incomplete lines are held until their newline arrives, or until Close.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending bytes.Buffer
	now     func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{
		target: target,
		now:    time.Now,
	}
}

func (i *LogInterceptor) writeLine(line []byte) error {
	i.seq++

	var b bytes.Buffer
	b.WriteString(slog.Uint64("line", i.seq).String())
	b.WriteByte(' ')
	b.WriteString(slog.String("time", i.now().Format(time.RFC3339)).String())
	b.WriteByte(' ')
	b.Write(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		b.WriteByte('\n')
	}

	_, err := i.target.Write(b.Bytes())
	return err
}

// Write implements io.Writer. It always reports len(p) on success, since the bytes
// written to the target include the added prefixes.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := i.pending.Next(idx + 1)
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
	}

	// a runaway line without newline is flushed as is
	if i.pending.Len() > maxPending {
		line := i.pending.Next(i.pending.Len())
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Close flushes a trailing incomplete line
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() == 0 {
		return nil
	}
	return i.writeLine(i.pending.Next(i.pending.Len()))
}
