package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"subtitle-translate/internal/diag"
	"subtitle-translate/internal/pipeline"
	"subtitle-translate/pkg/contract"
)

const sample = "1\n00:00:01,000 --> 00:00:02,000\nHello.\n\n2\n00:00:03,000 --> 00:00:04,000\n<i>Bye.</i>\n"

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	base := []string{"--status=false", "--log-level", "error", "--env-file", filepath.Join(t.TempDir(), "none.env")}
	if len(args) > 0 && args[0] == "init-config" {
		base = nil
	}
	code := run(append(base, args...), &out, &errb)
	return code, out.String(), errb.String()
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunInitConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "init")
	code, out, _ := runCLI(t, "init-config", dir)
	if code != exitOK {
		t.Fatalf("init-config 返回 %d", code)
	}
	for _, f := range []string{"config.json", ".env"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("%s 未生成: %v", f, err)
		}
	}
	if !strings.Contains(out, "config.json") {
		t.Fatalf("应提示生成的文件: %q", out)
	}
	if _, out, _ = runCLI(t, "init-config", dir); !strings.Contains(out, "未做修改") {
		t.Fatalf("重复执行应跳过: %q", out)
	}
}

// UT-CLI-01: 单文件翻译成功
func TestRunSuccess(t *testing.T) {
	in := writeFile(t, "in.srt", sample)
	dst := filepath.Join(t.TempDir(), "out", "in.fr.srt")
	code, _, errb := runCLI(t, "--translator", "mock", in, "fr", dst)
	if code != exitOK {
		t.Fatalf("退出码 %d: %s", code, errb)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("输出缺失: %v", err)
	}
	want := strings.NewReplacer("Hello.", "MOCK: Hello.", "Bye.", "MOCK: Bye.").Replace(sample)
	if string(b) != want {
		t.Fatalf("输出不符:\n%q", b)
	}
}

func TestRunDegradedReport(t *testing.T) {
	in := writeFile(t, "in.srt", sample)
	dst := filepath.Join(t.TempDir(), "in.de.srt")
	code, _, errb := runCLI(t, "--translator", "flaky", "--policy", "degraded", "--max-retries", "0", "--report", in, "de", dst)
	if code != exitOK {
		t.Fatalf("降级模式应成功, 退出码 %d: %s", code, errb)
	}
	b, err := os.ReadFile(dst + pipeline.ReportSuffix)
	if err != nil {
		t.Fatalf("报告缺失: %v", err)
	}
	var rep pipeline.FileReport
	if err := json.Unmarshal(b, &rep); err != nil {
		t.Fatalf("报告非法: %v", err)
	}
	// 首次调用即失败且不重试，全部回退原文
	if rep.Policy != "degraded" || rep.Translated != 0 || rep.Fallback != rep.Fragments || rep.Target != "de" {
		t.Fatalf("报告内容错误: %+v", rep)
	}
	if out, _ := os.ReadFile(dst); string(out) != sample {
		t.Fatalf("全部回退时输出应等于输入: %q", out)
	}
}

func TestRunExitCodes(t *testing.T) {
	in := writeFile(t, "in.srt", sample)
	bad := writeFile(t, "bad.srt", "this is not a subtitle\n")
	dir := t.TempDir()
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"missing-args", []string{in, "fr"}, exitConfig},
		{"bad-flag", []string{"--nope", in, "fr", filepath.Join(dir, "a.srt")}, exitConfig},
		{"bad-lang", []string{"--translator", "mock", in, "not a tag", filepath.Join(dir, "b.srt")}, exitConfig},
		{"unknown-translator", []string{"--translator", "nope", in, "fr", filepath.Join(dir, "c.srt")}, exitConfig},
		{"bad-frame-rate", []string{"--translator", "mock", "--frame-rate", "2000", in, "fr", filepath.Join(dir, "f.srt")}, exitConfig},
		{"report-stdout", []string{"--translator", "mock", "--report", in, "fr", "-"}, exitConfig},
		{"parse", []string{"--translator", "mock", bad, "fr", filepath.Join(dir, "d.srt")}, exitParse},
		{"strict-failure", []string{"--translator", "flaky", "--max-retries", "0", in, "fr", filepath.Join(dir, "e.srt")}, exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, _, errb := runCLI(t, tc.args...); code != tc.want {
				t.Fatalf("退出码 %d, want %d: %s", code, tc.want, errb)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, "e.srt")); !os.IsNotExist(err) {
		t.Fatalf("严格失败不应产出文件: %v", err)
	}
}

func TestRunUsesPipelineStub(t *testing.T) {
	old := pipelineRun
	defer func() { pipelineRun = old }()
	in := writeFile(t, "in.srt", sample)

	var got pipeline.Settings
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, l *diag.Logger) (pipeline.Summary, error) {
		got = set
		return pipeline.Summary{}, &contract.DriverError{Kind: contract.Cancelled, Err: context.Canceled}
	}
	code, _, _ := runCLI(t, "--translator", "mock", "-f", "en", "--concurrency", "7", "--max-fragments", "0", "--timeout", "5", "--frame-rate", "25", in, "ja", filepath.Join(t.TempDir(), "x.srt"))
	if code != exitCancelled {
		t.Fatalf("取消应返回 130, got %d", code)
	}
	if got.Lang.Source != "en" || got.Lang.Target != "ja" || got.Driver.Concurrency != 7 || got.Limit.MaxFragments != 0 || got.Driver.CallTimeout.Seconds() != 5 || got.FrameRate != 25 {
		t.Fatalf("旗标未生效: %+v", got)
	}

	pipelineRun = func(context.Context, pipeline.Components, pipeline.Settings, *diag.Logger) (pipeline.Summary, error) {
		return pipeline.Summary{}, fmt.Errorf("x: %w", contract.ErrRateLimited)
	}
	if code, _, _ := runCLI(t, "--translator", "mock", in, "ja", filepath.Join(t.TempDir(), "y.srt")); code != exitFailure {
		t.Fatalf("运行失败应返回 1, got %d", code)
	}
}

func TestRunLineFormats(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"a.sub", "{1}{1}25\n{25}{50}Hello.\n{75}{100}{y:i}Bye.\n", "{1}{1}25\n{25}{50}MOCK: Hello.\n{75}{100}{y:i}MOCK: Bye.\n"},
		{"b.sub", "{24}{48}Hello.\n", "{24}{48}MOCK: Hello.\n"},
		{"c.ass", "[Script Info]\nScriptType: v4.00+\n\n[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\nDialogue: 0,0:00:01.00,0:00:02.00,Default,,0,0,0,,{\\i1}Hello.\n",
			"[Script Info]\nScriptType: v4.00+\n\n[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\nDialogue: 0,0:00:01.00,0:00:02.00,Default,,0,0,0,,{\\i1}MOCK: Hello.\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := writeFile(t, tc.name, tc.in)
			dst := filepath.Join(t.TempDir(), tc.name)
			// b.sub 无帧率声明，按旗标换算
			if code, _, errb := runCLI(t, "--translator", "mock", "--frame-rate", "24", in, "fr", dst); code != exitOK {
				t.Fatalf("退出码 %d: %s", code, errb)
			}
			b, err := os.ReadFile(dst)
			if err != nil {
				t.Fatalf("输出缺失: %v", err)
			}
			if string(b) != tc.want {
				t.Fatalf("输出不符:\n%q", b)
			}
		})
	}
}

func TestRunMetricsFile(t *testing.T) {
	in := writeFile(t, "in.srt", sample)
	mf := filepath.Join(t.TempDir(), "m.prom")
	if code, _, errb := runCLI(t, "--translator", "mock", "--metrics-file", mf, in, "fr", filepath.Join(t.TempDir(), "o.srt")); code != exitOK {
		t.Fatalf("退出码 %d: %s", code, errb)
	}
	b, err := os.ReadFile(mf)
	if err != nil || !bytes.Contains(b, []byte("subtrans_ops_total")) {
		t.Fatalf("指标文件缺失或为空: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&contract.ParseError{Kind: contract.MalformedTimestamp}, exitParse},
		{fmt.Errorf("a.srt: %w", &contract.ParseError{Kind: contract.UnknownFormat}), exitParse},
		{&contract.DriverError{Kind: contract.Cancelled, Err: context.Canceled}, exitCancelled},
		{context.Canceled, exitCancelled},
		{&contract.DriverError{Kind: contract.RetriesExhausted, Err: context.DeadlineExceeded}, exitFailure},
		{&contract.DriverError{Kind: contract.FragmentCountMismatch}, exitFailure},
		{errors.New("boom"), exitFailure},
	}
	for i, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("case %d: exitCode(%v) = %d, want %d", i, tc.err, got, tc.want)
		}
	}
}
