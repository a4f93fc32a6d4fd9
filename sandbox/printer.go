package sandbox

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogPrinter routes console output to a zap logger: log to Info, warn to
// Warn and error to Error.
type LogPrinter struct {
	log *zap.Logger
}

func NewLogPrinter(log *zap.Logger) *LogPrinter {
	return &LogPrinter{log: log}
}

func (p *LogPrinter) Log(s string)   { p.log.Info(s, zap.String("source", "console")) }
func (p *LogPrinter) Warn(s string)  { p.log.Warn(s, zap.String("source", "console")) }
func (p *LogPrinter) Error(s string) { p.log.Error(s, zap.String("source", "console")) }

// BufferPrinter collects console output, one line per call.
type BufferPrinter struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (p *BufferPrinter) write(s string) {
	p.mu.Lock()
	p.buf.WriteString(s)
	p.buf.WriteByte('\n')
	p.mu.Unlock()
}

func (p *BufferPrinter) Log(s string)   { p.write(s) }
func (p *BufferPrinter) Warn(s string)  { p.write(s) }
func (p *BufferPrinter) Error(s string) { p.write(s) }

func (p *BufferPrinter) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// Take returns the collected output and clears the buffer.
func (p *BufferPrinter) Take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.buf.String()
	p.buf.Reset()
	return s
}
