package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel 解析级别名；未知值按 info 处理。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger: 单行 JSON 结构化日志。
// dir 非空时写入轮转文件，否则写入 stderr。nil *Logger 的所有方法均为 no-op。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	out    io.Writer
	mu     sync.Mutex
}

// NewLogger 以级别与日志目录构造；corrID 为空时生成 UUID。
func NewLogger(corrID, level, dir string) *Logger {
	if corrID == "" {
		corrID = NewCorrID()
	}
	l := &Logger{corrID: corrID, level: ParseLevel(level), out: os.Stderr}
	if strings.TrimSpace(dir) != "" {
		l.sink = NewRotatingFile(dir, 10*1024*1024)
	}
	return l
}

// NewWriterLogger 写入任意 io.Writer（测试与嵌入使用）。
func NewWriterLogger(corrID, level string, w io.Writer) *Logger {
	return &Logger{corrID: corrID, level: ParseLevel(level), out: w}
}

// NewCorrID 生成一次运行的关联 ID。
func NewCorrID() string { return uuid.NewString() }

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Close 关闭文件 sink。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|warn
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	FileID string            `json:"file_id,omitempty"`
	Batch  string            `json:"batch_id,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink != nil {
		err := l.sink.WriteLine(b)
		if err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
	}
	if l.out != nil {
		_, _ = l.out.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 file_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, batch string) *Timer {
	return l.StartWithKV(comp, msg, fileID, batch, nil)
}

// StartWithKV 记录带 file_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, batch string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, batch: batch, t0: time.Now()}
}

// Warn 记录 warn 事件（降级、回退等可恢复情况）。
func (l *Logger) Warn(comp, code, msg, fileID, batch string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, FileID: fileID, Batch: batch, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 file_id/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, FileID: fileID, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 事件（仅 level=debug 生效）。
func (l *Logger) DebugStart(comp, msg, fileID, batch string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时，并同步记录阶段耗时指标。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	batch  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, msg, dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, FileID: t.fileID, Batch: t.batch, Msg: msg})
}

// Since 返回起点指针，供 ErrorWith 计算耗时。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
