package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"subtitle-translate/internal/diag"
	"subtitle-translate/internal/rate"
	"subtitle-translate/internal/segment"
	"subtitle-translate/pkg/contract"
)

// Policy: 批失败处理策略。
type Policy string

const (
	// Strict: 任一批不可恢复失败即取消整体运行。
	Strict Policy = "strict"
	// Degraded: 失败批保留原文，其余批继续。
	Degraded Policy = "degraded"
)

// ParsePolicy 解析策略名（大小写不敏感）。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Strict:
		return Strict, nil
	case Degraded:
		return Degraded, nil
	}
	return "", fmt.Errorf("driver: unknown policy %q: %w", s, contract.ErrInvalidInput)
}

// Settings 运行期配置。
type Settings struct {
	// Concurrency: 同时在途的批数（< 1 视为 1）。
	Concurrency int
	// MaxRetries: 瞬时失败的最大重试次数（0 不重试）。
	MaxRetries int
	// BaseDelay/MaxDelay: 指数退避 BaseDelay*2^(n-1)，上限 MaxDelay。
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// CallTimeout: 单次调用超时（0 不限），超时计为瞬时失败。
	CallTimeout time.Duration
	Policy      Policy
	// Gate/GateKey: 共享限流（可选），每次调用前申请 1 个请求与批内字素数。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// OnBatch: 每批结束回调（单线程调用）。
	OnBatch func(done, total, failed int)
	// FileID 仅用于日志。
	FileID string
	Logger *diag.Logger
}

// Run 并发翻译所有批次，按输入顺序返回结果。
// - 严格模式：首个不可恢复失败取消其余批次，返回 *contract.DriverError；
// - 降级模式：失败批的 Result.Err 非空，Run 不返回错误；
// - 外部取消：丢弃已完成结果，返回 DriverError{Cancelled}。
func Run(ctx context.Context, batches []contract.Batch, lang contract.LangPair, tr contract.Translator, set Settings) ([]contract.Result, error) {
	if tr == nil {
		return nil, fmt.Errorf("driver: nil translator: %w", contract.ErrInvalidInput)
	}
	set = normalize(set)
	results := make([]contract.Result, len(batches))
	if len(batches) == 0 {
		return results, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type job struct {
		pos int
		b   contract.Batch
	}
	type res struct {
		pos int
		r   contract.Result
	}
	// 有界通道：2×并发度，形成自然背压
	inCh := make(chan job, set.Concurrency*2)
	outCh := make(chan res, set.Concurrency*2)

	w := &worker{set: set, lang: lang, tr: tr}
	var wg sync.WaitGroup
	wg.Add(set.Concurrency)
	for i := 0; i < set.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := range inCh {
				outCh <- res{pos: j.pos, r: w.do(runCtx, j.b)}
			}
		}()
	}
	go func() {
		defer close(inCh)
		for i, b := range batches {
			select {
			case <-runCtx.Done():
				return
			case inCh <- job{pos: i, b: b}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	var firstErr error
	done, failed := 0, 0
	for o := range outCh {
		results[o.pos] = o.r
		done++
		if o.r.Err != nil {
			failed++
			if set.Policy == Strict && firstErr == nil && !isCancelled(o.r.Err) {
				firstErr = o.r.Err
				// 不立即返回，继续排空 outCh
				cancel()
			}
		}
		if set.OnBatch != nil {
			set.OnBatch(done, len(batches), failed)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &contract.DriverError{Kind: contract.Cancelled, Err: err}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func normalize(s Settings) Settings {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.MaxDelay > 0 && s.BaseDelay > s.MaxDelay {
		s.BaseDelay = s.MaxDelay
	}
	if s.Policy == "" {
		s.Policy = Strict
	}
	return s
}

func isCancelled(err error) bool {
	var de *contract.DriverError
	return errors.As(err, &de) && de.Kind == contract.Cancelled
}

type worker struct {
	set  Settings
	lang contract.LangPair
	tr   contract.Translator
}

// do 执行单批翻译（含限流、超时、重试与片段数校验）。
func (w *worker) do(ctx context.Context, b contract.Batch) contract.Result {
	out := contract.Result{Batch: b.Index}
	log := w.set.Logger
	bid := strconv.Itoa(b.Index)
	chars := segment.BatchChars(b)
	timer := log.StartWithKV("driver", "translate", w.set.FileID, bid, map[string]string{
		"fragments": strconv.Itoa(len(b.Fragments)),
		"chars":     strconv.Itoa(chars),
	})

	fail := func(err error) contract.Result {
		out.Err = err
		if isCancelled(err) {
			return out
		}
		code := diag.Failure(log, "driver", "batch failed", err, timer, w.set.FileID, b.Index)
		diag.IncAttempt("failed")
		if w.set.Policy == Degraded {
			diag.AddFragments("fallback", len(b.Fragments))
			log.Warn("driver", string(code), "batch falls back to source text", w.set.FileID, bid, nil)
		}
		return out
	}
	cancelled := func() contract.Result {
		return fail(&contract.DriverError{Kind: contract.Cancelled, Batch: b.Index, Attempts: out.Attempts, Err: ctx.Err()})
	}

	total := w.set.MaxRetries + 1
	var last error
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, w.backoff(attempt-1)); err != nil {
				return cancelled()
			}
		}
		if w.set.Gate != nil {
			if err := w.set.Gate.Wait(ctx, rate.Ask{Key: w.set.GateKey, Requests: 1, Chars: chars}); err != nil {
				if ctx.Err() != nil {
					return cancelled()
				}
				// 超出单请求上限等闸门错误不重试
				return fail(&contract.DriverError{Kind: contract.Rejected, Batch: b.Index, Attempts: attempt, Err: err})
			}
		}
		out.Attempts = attempt
		texts, err := w.call(ctx, b)
		if err == nil {
			if len(texts) != len(b.Fragments) {
				diag.IncAttempt("mismatch")
				return fail(&contract.DriverError{Kind: contract.FragmentCountMismatch, Batch: b.Index, Want: len(b.Fragments), Got: len(texts), Attempts: attempt})
			}
			out.Texts = texts
			diag.IncAttempt("ok")
			diag.AddFragments("translated", len(texts))
			diag.IncOp("driver", "finish", "success")
			timer.Finish("translate", int64(len(texts)))
			return out
		}
		if ctx.Err() != nil {
			return cancelled()
		}
		last = err
		if !contract.IsTransient(err) {
			return fail(&contract.DriverError{Kind: contract.Rejected, Batch: b.Index, Attempts: attempt, Err: err})
		}
		if attempt < total {
			diag.IncAttempt("retry")
			log.Warn("driver", string(diag.Classify(err)), "transient failure, retrying", w.set.FileID, bid, upstreamKV(err, attempt))
		}
	}
	return fail(&contract.DriverError{Kind: contract.RetriesExhausted, Batch: b.Index, Attempts: total, Err: last})
}

// call 执行单次调用；单次超时转换为可重试的 DeadlineExceeded。
func (w *worker) call(ctx context.Context, b contract.Batch) ([]string, error) {
	req := contract.TranslateRequest{Fragments: b.Fragments, Source: w.lang.Source, Target: w.lang.Target}
	if w.set.CallTimeout <= 0 {
		return w.tr.Translate(ctx, req)
	}
	cctx, cancel := context.WithTimeout(ctx, w.set.CallTimeout)
	defer cancel()
	texts, err := w.tr.Translate(cctx, req)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("call timed out after %s: %w (%v)", w.set.CallTimeout, context.DeadlineExceeded, err)
	}
	return texts, err
}

// backoff 第 n 次重试前的等待：BaseDelay*2^(n-1)，上限 MaxDelay。
func (w *worker) backoff(n int) time.Duration {
	d := w.set.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if w.set.MaxDelay > 0 && d >= w.set.MaxDelay {
			return w.set.MaxDelay
		}
	}
	return d
}

func upstreamKV(err error, attempt int) map[string]string {
	kv := map[string]string{"attempt": strconv.Itoa(attempt)}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	return kv
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
