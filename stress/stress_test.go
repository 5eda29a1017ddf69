package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	cfgpkg "subtitle-translate/internal/config"
	"subtitle-translate/internal/pipeline"
)

// genSRT 生成 n 条 cue 的 SRT；每三条组成一个跨 cue 的句子。
func genSRT(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		start := time.Duration(i) * 2 * time.Second
		fmt.Fprintf(&b, "%d\n%s --> %s\n", i, stamp(start), stamp(start+1500*time.Millisecond))
		switch i % 3 {
		case 1:
			fmt.Fprintf(&b, "Line %d starts a sentence\n", i)
		case 2:
			fmt.Fprintf(&b, "<i>styled line %d</i>\n", i)
		default:
			fmt.Fprintf(&b, "and line %d ends it.\n", i)
		}
		if i < n {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func stamp(d time.Duration) string {
	h := d / time.Hour
	m := d % time.Hour / time.Minute
	s := d % time.Minute / time.Second
	ms := d % time.Second / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// baseConfig 构造可运行的最小配置（mock 回显，带模拟延迟）。
func baseConfig(input, output string, conc int) cfgpkg.Config {
	cfg := cfgpkg.Defaults()
	cfg.Inputs = []string{input}
	cfg.Output = output
	cfg.TargetLang = "fr"
	cfg.Concurrency = conc
	cfg.MaxChars = 400
	cfg.MaxFragments = 20
	cfg.Logging.Level = "error"
	cfg.Translator = "mock"
	cfg.Provider = map[string]cfgpkg.Provider{
		"mock": {Client: "mock", Options: json.RawMessage(`{"mode":"echo","delay_ms":2}`)},
	}
	return cfg
}

// runPipeline 执行完整流水线。
func runPipeline(cfg cfgpkg.Config) error {
	plan, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return err
	}
	_, err = pipeline.Run(context.Background(), plan.Components, plan.Settings, nil)
	return err
}

// TestStress 在不同并发度下运行流水线并记录延迟统计；回显后端下输出必须与输入一致。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("short 模式跳过压力测试")
	}
	src := genSRT(2000)
	dir := t.TempDir()
	in := filepath.Join(dir, "input.srt")
	if err := os.WriteFile(in, []byte(src), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	levels := []int{1, 8, 32}
	for _, conc := range levels {
		t.Run(fmt.Sprintf("concurrency_%d", conc), func(t *testing.T) {
			const runs = 3
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				out := filepath.Join(t.TempDir(), "output.srt")
				start := time.Now()
				if err := runPipeline(baseConfig(in, out, conc)); err != nil {
					t.Fatalf("run %d: %v", i, err)
				}
				latencies = append(latencies, time.Since(start))
				got, err := os.ReadFile(out)
				if err != nil {
					t.Fatalf("read output: %v", err)
				}
				if string(got) != src {
					t.Fatalf("run %d: 回显输出与输入不一致", i)
				}
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			t.Logf("并发%d 平均%v 95%%延迟%v", conc, avg, latencies[idx])
		})
	}
}
