package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rivo/uniseg"
)

// Terminal: 终端进度提示（非日志）。
// TTY 下单行 \r 覆盖刷新；非 TTY 只在关键节点分行打印。并发安全；写失败后转为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	translator  string
	filesDone   int
	filesFailed int
	runStart    time.Time

	curFile      string
	batchesTotal int
	batchesDone  int
	errCount     int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置进程级终端（nil 清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回进程级终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return t
}

// RunStart 记录运行上下文。
func (t *Terminal) RunStart(concurrency int, translator string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.translator = translator
	t.filesDone, t.filesFailed = 0, 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 并发=%d | translator=%s", concurrency, safe(translator)))
}

// FileStart 标记当前文件与计划批次。
func (t *Terminal) FileStart(fileID string, batchesTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curFile = shortenBase(fileID, 48)
	t.batchesTotal = batchesTotal
	t.batchesDone, t.errCount = 0, 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[file] %s | 计划批次=%d", t.curFile, batchesTotal))
	}
}

// FileProgress 批次进度（TTY，100ms 节流）。
func (t *Terminal) FileProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	t.batchesDone, t.batchesTotal, t.errCount = done, total, errs
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[file] %s | 进度 %d/%d | 失败 %d | 并发 %d | 用时 %s",
		t.curFile, done, total, errs, t.concurrency, formatDur(time.Since(t.runStart))))
}

// FileFinish 完成当前文件；fallback 为回退原文的 cue 数。
func (t *Terminal) FileFinish(ok bool, fallback int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.filesDone++
	status := "done"
	if !ok {
		status = "fail"
		t.filesFailed++
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	line := fmt.Sprintf("[%s] %s | 批次 %d | 总用时 %s", status, t.curFile, t.batchesTotal, formatDur(dur))
	if fallback > 0 {
		line += fmt.Sprintf(" | 回退 cue %d", fallback)
	}
	t.println(line)
}

// RunFinish 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 文件 %d | 失败 %d | 总用时 %s", tag, t.filesDone, t.filesFailed, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

// printInline: \r + 内容，新行较短时以空格清尾。
func (t *Terminal) printInline(s string) {
	n := visLen(s)
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if t.lastLen > n {
		b.WriteString(strings.Repeat(" ", t.lastLen-n))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = n
}

// shortenBase 取基名并按显示宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	base := filepath.Base(strings.TrimSpace(s))
	if max <= 0 || base == "." || base == "" {
		return ""
	}
	if visLen(base) <= max {
		return base
	}
	var b strings.Builder
	w := 0
	g := uniseg.NewGraphemes(base)
	for g.Next() {
		if w+g.Width() > max-1 {
			break
		}
		w += g.Width()
		b.WriteString(g.Str())
	}
	return b.String() + "…"
}

func visLen(s string) int { return uniseg.StringWidth(s) }

func safe(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", max(d.Milliseconds(), 0))
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
