package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"subtitle-translate/pkg/contract"
)

// LimitKey: 限流分组键（例如 provider 名称 + key 摘要）。
type LimitKey string

// Limits: 每分组限额，窗口为一分钟。0 表示该维度不启用。
type Limits struct {
	RPM            int `json:"rpm"`               // 每分钟请求数
	CPM            int `json:"cpm"`               // 每分钟字素数
	MaxCharsPerReq int `json:"max_chars_per_req"` // 单次请求字素上限，0 不限
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >= 1
	Chars    int // 本次请求的字素数（>= 0）
}

// Gate: 共享限流闸门（并发安全），与并发度相互独立。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 取消；超出单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (reqAvail, charAvail int)
}

// NewGate 从静态配置构造闸门；clk 为空则使用 time.Now。
// 未配置的 key 不限额。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, keys: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.keys[k] = newEntry(lim, now)
	}
	return g
}

// Unlimited 返回不做任何限制的闸门。
func Unlimited() Gate { return NewGate(nil, nil) }

type gate struct {
	clk  func() time.Time
	mu   sync.Mutex // 保护 keys
	keys map[LimitKey]*entry
}

type entry struct {
	mu    sync.Mutex
	lim   Limits
	req   bucket
	chars bucket
}

// bucket: 令牌桶；level 为当前可用量，rate 为每秒回填量。
type bucket struct {
	cap   int
	level float64
	rate  float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{lim: lim, req: newBucket(lim.RPM, now), chars: newBucket(lim.CPM, now)}
}

func newBucket(perMinute int, now time.Time) bucket {
	if perMinute <= 0 {
		return bucket{}
	}
	return bucket{cap: perMinute, level: float64(perMinute), rate: float64(perMinute) / 60.0, last: now}
}

func (b *bucket) on() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.on() || !now.After(b.last) {
		// 时钟回拨视为无时间流逝
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

// need 返回取走 n 所需的量；超过桶容量的申请按满桶计，避免永远等待。
func (b *bucket) need(n int) float64 {
	if n > b.cap {
		return float64(b.cap)
	}
	return float64(n)
}

func (b *bucket) ready(n int) bool {
	return !b.on() || n <= 0 || b.level >= b.need(n)
}

func (b *bucket) take(n int) {
	if !b.on() || n <= 0 {
		return
	}
	b.level -= b.need(n)
}

// wait 返回达到可取量还需等待的时长。
func (b *bucket) wait(n int) time.Duration {
	if b.ready(n) {
		return 0
	}
	return time.Duration((b.need(n) - b.level) / b.rate * float64(time.Second))
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.keys[key]
	if e == nil {
		e = newEntry(Limits{}, g.clk())
		g.keys[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Chars < 0 {
		return nil, fmt.Errorf("rate: bad ask %+v: %w", a, contract.ErrInvalidInput)
	}
	e := g.get(a.Key)
	if e.lim.MaxCharsPerReq > 0 && a.Chars > e.lim.MaxCharsPerReq {
		return nil, fmt.Errorf("rate: %d chars exceed per-request limit %d: %w", a.Chars, e.lim.MaxCharsPerReq, contract.ErrBudgetExceeded)
	}
	return e, nil
}

// acquire 在锁内回填并尝试取额度；失败时返回需等待的时长。
func (g *gate) acquire(e *entry, a Ask) (bool, time.Duration) {
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.chars.refill(now)
	if e.req.ready(a.Requests) && e.chars.ready(a.Chars) {
		e.req.take(a.Requests)
		e.chars.take(a.Chars)
		return true, 0
	}
	return false, max(e.req.wait(a.Requests), e.chars.wait(a.Chars))
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	ok, _ := g.acquire(e, a)
	return ok
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, d := g.acquire(e, a)
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, max(d+minSleep, minSleep)); err != nil {
			return err
		}
	}
}

// sleepCtx 分片睡眠以及时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot 返回当前可用请求数/字素数的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (reqAvail, charAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.chars.refill(now)
	floor := func(b *bucket) int {
		if !b.on() || b.level < 0 {
			return 0
		}
		return int(b.level)
	}
	return floor(&e.req), floor(&e.chars)
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
