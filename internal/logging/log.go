package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/device-gateway/internal/gatewaycfg"
)

type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	}
	return "info"
}

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	}
	return InfoLevel
}

type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

func Err(err error) Field {
	if err == nil {
		return Field{Key: "err", Value: nil}
	}
	return Field{Key: "err", Value: err.Error()}
}

type entry struct {
	TS     string         `json:"ts"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// sink owns the output; entries flow through a bounded channel so call
// sites never block on I/O. Overflow is counted and reported, not queued.
type sink struct {
	ch   chan entry
	quit chan struct{}
	done chan struct{}
	out  *bufio.Writer
	file *os.File
}

var (
	threshold atomic.Int32
	lost      atomic.Uint64
	active    atomic.Pointer[sink]
)

// Init starts the log sink and returns a function that drains and stops it.
func Init(cfg gatewaycfg.LoggingConfig) func() {
	depth := cfg.Buffer
	if depth <= 0 {
		depth = 4096
	}
	threshold.Store(int32(parseLevel(cfg.Level)))

	s := &sink{
		ch:   make(chan entry, depth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	switch cfg.Output {
	case "", "stdout":
		s.out = bufio.NewWriter(os.Stdout)
	case "stderr":
		s.out = bufio.NewWriter(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.out = bufio.NewWriter(os.Stderr)
		} else {
			s.file = f
			s.out = bufio.NewWriter(f)
		}
	}
	go s.run()
	active.Store(s)

	return func() {
		close(s.quit)
		<-s.done
		if s.file != nil {
			_ = s.file.Close()
		}
	}
}

func (s *sink) run() {
	flush := time.NewTicker(2 * time.Second)
	defer flush.Stop()
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-flush.C:
			s.reportLost()
			_ = s.out.Flush()
		case <-s.quit:
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					s.reportLost()
					_ = s.out.Flush()
					close(s.done)
					return
				}
			}
		}
	}
}

func (s *sink) write(e entry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = s.out.Write(b)
	_ = s.out.WriteByte('\n')
}

func (s *sink) reportLost() {
	n := lost.Swap(0)
	if n == 0 {
		return
	}
	s.write(entry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:  WarnLevel.String(),
		Msg:    "log_backpressure",
		Fields: map[string]any{"lost": n},
	})
}

func log(lvl Level, msg string, fields ...Field) {
	if lvl < Level(threshold.Load()) {
		return
	}
	s := active.Load()
	if s == nil {
		return
	}
	e := entry{TS: time.Now().UTC().Format(time.RFC3339Nano), Level: lvl.String(), Msg: msg}
	if len(fields) > 0 {
		m := make(map[string]any, len(fields))
		for _, f := range fields {
			m[f.Key] = f.Value
		}
		e.Fields = m
	}
	select {
	case s.ch <- e:
	default:
		lost.Add(1)
	}
}

func Debug(msg string, fields ...Field) { log(DebugLevel, msg, fields...) }
func Info(msg string, fields ...Field)  { log(InfoLevel, msg, fields...) }
func Warn(msg string, fields ...Field)  { log(WarnLevel, msg, fields...) }
func Error(msg string, fields ...Field) { log(ErrorLevel, msg, fields...) }
