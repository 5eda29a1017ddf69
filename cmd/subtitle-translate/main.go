package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "subtitle-translate/internal/config"
	"subtitle-translate/internal/diag"
	"subtitle-translate/internal/pipeline"
	"subtitle-translate/pkg/contract"
)

// 退出码
const (
	exitOK        = 0
	exitFailure   = 1
	exitParse     = 2
	exitConfig    = 3
	exitCancelled = 130
)

var pipelineRun = pipeline.Run

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// flags: 命令行覆盖项；是否生效以 Changed 判定。
type flags struct {
	config       string
	envFile      string
	translator   string
	sourceLang   string
	concurrency  int
	maxChars     int
	maxFragments int
	maxRetries   int
	policy       string
	timeout      int
	frameRate    float64
	report       bool
	logLevel     string
	logDir       string
	metricsAddr  string
	metricsFile  string
	status       bool
}

func run(args []string, stdout, stderr io.Writer) int {
	code := exitOK
	root := newRootCmd(stdout, stderr, &code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		// 参数或旗标错误
		fmt.Fprintf(stderr, "错误: %v\n", err)
		fmt.Fprintln(stderr, root.UsageString())
		return exitConfig
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "subtitle-translate [flags] <source> <target-lang> <destination>",
		Short: "翻译 SRT/WebVTT/ASS/SSA/MicroDVD 字幕，保持计时、编号与行内标记不变",
		Long: "source 为字幕文件、目录或 \"-\"（STDIN）；destination 为文件、目录或 \"-\"（STDOUT）。\n" +
			"目录输入时按相对路径写入目标目录。",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = translate(cmd, f, args, stderr)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	fs := root.Flags()
	fs.StringVar(&f.config, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	fs.StringVar(&f.envFile, "env-file", ".env", ".env 路径（不存在则忽略；不覆盖已有环境变量）")
	fs.StringVar(&f.translator, "translator", "", "provider 名称（覆盖配置）")
	fs.StringVarP(&f.sourceLang, "source-lang", "f", "", "源语言（BCP 47，默认 auto）")
	fs.IntVar(&f.concurrency, "concurrency", 0, "并发批数")
	fs.IntVar(&f.maxChars, "max-chars", 0, "单批字素上限")
	fs.IntVar(&f.maxFragments, "max-fragments", 0, "单批片段数上限（0 不限）")
	fs.IntVar(&f.maxRetries, "max-retries", 0, "瞬时失败最大重试次数（0 不重试）")
	fs.StringVar(&f.policy, "policy", "", "批失败策略：strict | degraded")
	fs.IntVar(&f.timeout, "timeout", 0, "单次调用超时（秒）")
	fs.Float64Var(&f.frameRate, "frame-rate", 0, "MicroDVD 帧率（文件未声明时使用，默认 23.976）")
	fs.BoolVar(&f.report, "report", false, "为每个输出写 <artifact>.report.json")
	fs.StringVar(&f.logLevel, "log-level", "", "日志级别：debug | info | warn | error")
	fs.StringVar(&f.logDir, "log-dir", "", "日志目录（轮转文件）；为空写 stderr")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "在该地址暴露 /metrics 与 /healthz")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "运行结束后将指标写入该文件")
	fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(&cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成默认 config.json 与 .env 模板（已存在则跳过，不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			wrote, err := cfgpkg.WriteInit(dir)
			if err != nil {
				fmt.Fprintf(stderr, "生成默认配置失败: %v\n", err)
				*code = exitConfig
				return nil
			}
			for _, p := range wrote {
				fmt.Fprintf(stdout, "已生成 %s\n", p)
			}
			if len(wrote) == 0 {
				fmt.Fprintln(stdout, "文件均已存在，未做修改")
			}
			return nil
		},
	})
	return root
}

// overlay 将显式设置的旗标与位置参数转换为配置覆盖层。
func overlay(cmd *cobra.Command, f flags, args []string) cfgpkg.Config {
	over := cfgpkg.Unset()
	over.Inputs = []string{args[0]}
	over.TargetLang = args[1]
	over.Output = args[2]
	ch := cmd.Flags().Changed
	if ch("translator") {
		over.Translator = f.translator
	}
	if ch("source-lang") {
		over.SourceLang = f.sourceLang
	}
	if ch("concurrency") {
		over.Concurrency = f.concurrency
	}
	if ch("max-chars") {
		over.MaxChars = f.maxChars
	}
	if ch("max-fragments") {
		over.MaxFragments = f.maxFragments
	}
	if ch("max-retries") {
		over.MaxRetries = f.maxRetries
	}
	if ch("policy") {
		over.Policy = f.policy
	}
	if ch("timeout") {
		over.TimeoutSeconds = f.timeout
	}
	if ch("frame-rate") {
		over.FrameRate = f.frameRate
	}
	over.Report = f.report
	if ch("log-level") {
		over.Logging.Level = f.logLevel
	}
	if ch("log-dir") {
		over.Logging.Dir = f.logDir
	}
	if ch("metrics-addr") {
		over.Metrics.Addr = f.metricsAddr
	}
	if ch("metrics-file") {
		over.Metrics.File = f.metricsFile
	}
	return over
}

func translate(cmd *cobra.Command, f flags, args []string, stderr io.Writer) int {
	start := time.Now()
	corrID := diag.NewCorrID()
	// 在任何 ENV 读取前加载 .env（不覆盖已有 ENV）
	if err := cfgpkg.LoadDotEnv(f.envFile); err != nil {
		fmt.Fprintf(stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}

	cfg, err := cfgpkg.Load(f.config, os.Environ())
	if err != nil {
		fmt.Fprintf(stderr, "配置解析失败: %v\n", err)
		return exitConfig
	}
	cfg = cfgpkg.Merge(cfg, overlay(cmd, f, args))

	logger := diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	if err := cfgpkg.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "配置校验失败: %v\n", err)
		dumpConfig(stderr, cfg)
		logger.Error("config", string(diag.Classify(err)), "validate: "+err.Error(), &start)
		return exitConfig
	}
	plan, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble: "+err.Error(), &start)
		return exitConfig
	}
	logEffective(logger, cfg, plan)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var served <-chan error
	sctx, stopServe := context.WithCancel(context.Background())
	if cfg.Metrics.Addr != "" {
		served = diag.Serve(sctx, cfg.Metrics.Addr, logger)
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, plan.Settings.TranslatorName)

	t := logger.Start("pipeline", "run")
	sum, err := pipelineRun(ctx, plan.Components, plan.Settings, logger)

	if cfg.Metrics.File != "" {
		if werr := diag.WriteFile(cfg.Metrics.File); werr != nil {
			fmt.Fprintf(stderr, "提示：指标写出失败：%v\n", werr)
		}
	}
	stopServe()
	if served != nil {
		<-served
	}

	if err != nil {
		code := exitCode(err)
		logger.Error("pipeline", string(diag.Classify(err)), "run failed: "+err.Error(), &start)
		if code != exitCancelled {
			fmt.Fprintf(stderr, "运行失败: %v\n", err)
		}
		term.RunFinish(false, time.Since(start))
		return code
	}
	t.Finish("run", int64(sum.Files))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	if sum.Fallback > 0 {
		logger.Warn("pipeline", string(diag.CodeRejected), "some files fell back to source text", "", "", map[string]string{
			"files": strconv.Itoa(sum.Fallback),
		})
	}
	term.RunFinish(true, time.Since(start))
	return exitOK
}

// exitCode: 解析错误 2；取消 130；其余运行期失败 1。
func exitCode(err error) int {
	var pe *contract.ParseError
	if errors.As(err, &pe) {
		return exitParse
	}
	if diag.Classify(err) == diag.CodeCancel && !errors.Is(err, context.DeadlineExceeded) {
		return exitCancelled
	}
	return exitFailure
}

// logEffective: debug 级别输出运行时配置（不含密钥）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config, plan cfgpkg.Plan) {
	kv := map[string]string{
		"inputs_count":  strconv.Itoa(len(cfg.Inputs)),
		"output":        cfg.Output,
		"source_lang":   plan.Settings.Lang.Source,
		"target_lang":   plan.Settings.Lang.Target,
		"concurrency":   strconv.Itoa(cfg.Concurrency),
		"max_chars":     strconv.Itoa(cfg.MaxChars),
		"max_fragments": strconv.Itoa(cfg.MaxFragments),
		"max_retries":   strconv.Itoa(cfg.MaxRetries),
		"policy":        string(plan.Settings.Driver.Policy),
		"translator":    plan.Settings.TranslatorName,
		"client":        plan.Client,
		"gate_key":      string(plan.Key),
	}
	if p, ok := cfg.Provider[plan.Settings.TranslatorName]; ok {
		var s struct {
			URL      string `json:"url"`
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		for k, v := range map[string]string{"url": s.URL, "base_url": s.BaseURL, "model": s.Model, "endpoint_path": s.Endpoint} {
			if v != "" {
				kv[k] = v
			}
		}
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func dumpConfig(w io.Writer, c cfgpkg.Config) {
	// 不回显 provider options（可能含密钥）
	c.Provider = nil
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(w, "有效配置:\n%s\n", b)
}
