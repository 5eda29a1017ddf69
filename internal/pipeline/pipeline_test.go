package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"subtitle-translate/internal/codec"
	"subtitle-translate/internal/driver"
	"subtitle-translate/internal/segment"
	"subtitle-translate/pkg/contract"
	"subtitle-translate/plugins/translator/flaky"
	"subtitle-translate/plugins/translator/mock"
)

const threeCues = "1\n00:00:01,000 --> 00:00:02,000\nHello.\n\n" +
	"2\n00:00:03,000 --> 00:00:04,000\nSecond line.\n\n" +
	"3\n00:00:05,000 --> 00:00:06,000\nGoodbye.\n"

var enFr = contract.LangPair{Source: "en", Target: "fr"}

// memReader: 按 roots 顺序产出内存文件
type memReader map[string]string

func (m memReader) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.Reader) error) error {
	for _, r := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, ok := m[r]
		if !ok {
			return contract.ErrInvalidInput
		}
		if err := yield(contract.FileID(r), strings.NewReader(s)); err != nil {
			return err
		}
	}
	return nil
}

type memWriter struct {
	mu  sync.Mutex
	out map[contract.ArtifactID]string
}

func (w *memWriter) Write(_ context.Context, id contract.ArtifactID, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		w.out = map[contract.ArtifactID]string{}
	}
	w.out[id] = string(b)
	return nil
}

func newTr(t *testing.T, ctor func(json.RawMessage) (contract.Translator, error), raw string) contract.Translator {
	t.Helper()
	tr, err := ctor(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("构造翻译器失败: %v", err)
	}
	return tr
}

func settings(fragments int, pol driver.Policy) Settings {
	return Settings{
		Inputs: []string{"in.srt"},
		Lang:   enFr,
		Limit:  segment.Limit{MaxChars: 200, MaxFragments: fragments},
		Driver: driver.Settings{Concurrency: 2, MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Policy: pol},
	}
}

// UT-PIPE-01: 三条 cue 经字典后端翻译，计时与编号不变
func TestRunTranslatesDocument(t *testing.T) {
	tr := newTr(t, mock.New, `{"mode":"dict","dict":{"Hello.":"Bonjour.","Second line.":"Deuxième ligne.","Goodbye.":"Au revoir."}}`)
	w := &memWriter{}
	set := settings(0, driver.Strict)
	set.Artifact = func(contract.FileID) contract.ArtifactID { return "out.srt" }
	set.TranslatorName = "mock"
	set.Report = true

	sum, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, set, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := strings.NewReplacer("Hello.", "Bonjour.", "Second line.", "Deuxième ligne.", "Goodbye.", "Au revoir.").Replace(threeCues)
	if got := w.out["out.srt"]; got != want {
		t.Fatalf("输出不符:\n%q\nwant\n%q", got, want)
	}
	if sum.Files != 1 || sum.Fallback != 0 || len(sum.Reports) != 1 {
		t.Fatalf("汇总错误: %+v", sum)
	}

	var rep map[string]any
	if err := json.Unmarshal([]byte(w.out["out.srt"+ReportSuffix]), &rep); err != nil {
		t.Fatalf("报告不是合法 JSON: %v", err)
	}
	if rep["file"] != "in.srt" || rep["format"] != "srt" || rep["policy"] != "strict" || rep["translator"] != "mock" {
		t.Fatalf("报告字段错误: %v", rep)
	}
	if rep["cues"] != float64(3) || rep["translated_fragments"] != float64(3) || rep["fallback_fragments"] != float64(0) {
		t.Fatalf("报告计数错误: %v", rep)
	}
}

// UT-PIPE-02: 瞬时失败对输出透明
func TestRunRetryIsTransparent(t *testing.T) {
	tr := newTr(t, flaky.New, `{"fail_times":2}`)
	w := &memWriter{}
	if _, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, settings(0, driver.Strict), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := strings.NewReplacer("Hello.", "FLAKY: Hello.", "Second line.", "FLAKY: Second line.", "Goodbye.", "FLAKY: Goodbye.").Replace(threeCues)
	if got := w.out["in.srt"]; got != want {
		t.Fatalf("输出不符:\n%q", got)
	}
	if n := tr.(*flaky.Client).Calls([]string{"Hello.", "Second line.", "Goodbye."}); n != 3 {
		t.Fatalf("调用次数 = %d, want 3", n)
	}
	if _, ok := w.out["in.srt"+ReportSuffix]; ok {
		t.Fatalf("未开启报告却写出了报告")
	}
}

// UT-PIPE-03: 三回二，严格模式整体失败且无输出
func TestRunStrictCountMismatch(t *testing.T) {
	tr := newTr(t, flaky.New, `{"fail_times":0,"drop_fragment":true}`)
	w := &memWriter{}
	_, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, settings(0, driver.Strict), nil)
	var de *contract.DriverError
	if !errors.As(err, &de) || de.Kind != contract.FragmentCountMismatch || de.Want != 3 || de.Got != 2 {
		t.Fatalf("期望片段数不一致错误, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "in.srt: ") {
		t.Fatalf("错误应带文件标识: %v", err)
	}
	if len(w.out) != 0 {
		t.Fatalf("严格失败不应产出: %v", w.out)
	}
}

// UT-PIPE-04: 降级模式仅失败批回退原文
func TestRunDegradedFallsBackFailedBatch(t *testing.T) {
	tr := newTr(t, flaky.New, `{"fail_times":0,"drop_fragment":true,"drop_match":"Second"}`)
	w := &memWriter{}
	set := settings(1, driver.Degraded)
	sum, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, set, nil)
	if err != nil {
		t.Fatalf("降级模式不应失败: %v", err)
	}
	want := strings.NewReplacer("Hello.", "FLAKY: Hello.", "Goodbye.", "FLAKY: Goodbye.").Replace(threeCues)
	if got := w.out["in.srt"]; got != want {
		t.Fatalf("输出不符:\n%q", got)
	}
	rep := sum.Reports[0]
	if sum.Fallback != 1 || rep.Fallback != 1 || rep.Translated != 2 || len(rep.FallbackCues) != 1 || rep.Policy != "degraded" {
		t.Fatalf("回退报告错误: %+v", rep)
	}
}

// UT-PIPE-05: 全部失败的降级运行输出等于输入
func TestRunDegradedAllFailedIsIdentity(t *testing.T) {
	tr := newTr(t, flaky.New, `{"fail_always":true,"permanent":true}`)
	w := &memWriter{}
	if _, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, settings(1, driver.Degraded), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := w.out["in.srt"]; got != threeCues {
		t.Fatalf("应原样输出:\n%q", got)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := contract.TranslatorFunc(func(ctx context.Context, req contract.TranslateRequest) ([]string, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := &memWriter{}
	_, err := Run(ctx, Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, settings(0, driver.Degraded), nil)
	var de *contract.DriverError
	if !errors.As(err, &de) || de.Kind != contract.Cancelled {
		t.Fatalf("期望取消错误, got %v", err)
	}
	if len(w.out) != 0 {
		t.Fatalf("取消后不应产出: %v", w.out)
	}
}

func TestRunParseErrorStops(t *testing.T) {
	tr := newTr(t, mock.New, "")
	w := &memWriter{}
	set := settings(0, driver.Degraded)
	set.Inputs = []string{"bad.srt", "in.srt"}
	sum, err := Run(context.Background(), Components{Reader: memReader{"bad.srt": "1\nnot a timing line\nHello.\n", "in.srt": threeCues}, Writer: w, Translator: tr}, set, nil)
	var pe *contract.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("期望解析错误, got %v", err)
	}
	if sum.Files != 0 || len(w.out) != 0 {
		t.Fatalf("解析失败后不应继续: %+v %v", sum, w.out)
	}
}

func TestRunInputTooLarge(t *testing.T) {
	tr := newTr(t, mock.New, "")
	set := settings(0, driver.Strict)
	set.MaxInputBytes = 10
	_, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: &memWriter{}, Translator: tr}, set, nil)
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("期望超限错误, got %v", err)
	}
}

func TestRunMissingComponents(t *testing.T) {
	if _, err := Run(context.Background(), Components{}, settings(0, driver.Strict), nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少组件应报错: %v", err)
	}
}

func TestTranslateEmptyDocument(t *testing.T) {
	doc := &contract.Document{Format: contract.FormatSRT, EOL: "\n"}
	planned := -1
	out, rep, err := Translate(context.Background(), doc, enFr, Engine{
		Translator: newTr(t, mock.New, ""),
		Limit:      segment.Limit{MaxChars: 10},
		OnPlan:     func(n int) { planned = n },
	})
	if err != nil || len(out.Cues) != 0 || rep.Cues != 0 || planned != 0 {
		t.Fatalf("空文档: out=%v rep=%+v planned=%d err=%v", out, rep, planned, err)
	}
	if out == doc {
		t.Fatalf("应返回新副本")
	}
}

func TestRunSmallBatches(t *testing.T) {
	w := &memWriter{}
	tr := newTr(t, mock.New, `{"mode":"upper"}`)
	if _, err := Run(context.Background(), Components{Reader: memReader{"in.srt": threeCues}, Writer: w, Translator: tr}, settings(2, driver.Strict), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !bytes.Contains([]byte(w.out["in.srt"]), []byte("SECOND LINE.")) {
		t.Fatalf("输出未翻译: %q", w.out["in.srt"])
	}
}

// 后端返回多行文本（空行、伪造的序号与时间轴）时，输出仍可解析且结构不变
func TestRunReplyWithLineBreaks(t *testing.T) {
	const vtt = "WEBVTT\n\n00:01.000 --> 00:02.000\nHello.\n\n00:03.000 --> 00:04.000\n<b>Second</b> line.\n"
	for _, reply := range []string{
		"Bonjour\n\nmonde.",
		"\n\n99\n00:00:00,000 --> 00:00:00,500\nY",
		"\n\n00:00.000 --> 00:00.500\nY",
	} {
		tr := contract.TranslatorFunc(func(_ context.Context, req contract.TranslateRequest) ([]string, error) {
			out := make([]string, len(req.Fragments))
			for i := range out {
				out[i] = reply
			}
			return out, nil
		})
		for name, src := range map[string]string{"in.srt": threeCues, "in.vtt": vtt} {
			w := &memWriter{}
			set := settings(0, driver.Strict)
			set.Inputs = []string{name}
			if _, err := Run(context.Background(), Components{Reader: memReader{name: src}, Writer: w, Translator: tr}, set, nil); err != nil {
				t.Fatalf("%s run: %v", name, err)
			}
			in, err := codec.Parse([]byte(src))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			back, err := codec.Parse([]byte(w.out[contract.ArtifactID(name)]))
			if err != nil {
				t.Fatalf("%s 输出无法重新解析: %v\n%s", name, err, w.out[contract.ArtifactID(name)])
			}
			if len(back.Cues) != len(in.Cues) {
				t.Fatalf("%s cue 数量变化: %d -> %d", name, len(in.Cues), len(back.Cues))
			}
			for i := range in.Cues {
				if back.Cues[i].Start != in.Cues[i].Start || back.Cues[i].End != in.Cues[i].End {
					t.Fatalf("%s cue %d 时间轴变化", name, i+1)
				}
			}
		}
	}
}
