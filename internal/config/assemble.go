package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"

	"subtitle-translate/internal/driver"
	"subtitle-translate/internal/pipeline"
	"subtitle-translate/internal/rate"
	"subtitle-translate/internal/segment"
	"subtitle-translate/pkg/contract"
	"subtitle-translate/pkg/registry"
)

// Plan: 组装结果。
type Plan struct {
	Components pipeline.Components
	Settings   pipeline.Settings
	Gate       rate.Gate
	Key        rate.LimitKey
	// Client: 实际使用的后端实现名（provider.client）。
	Client string
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("config: "+format+": %w", append(a, contract.ErrInvalidInput)...)
}

// Validate 对最小必要边界做静态校验（不触碰文件系统）。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return invalid("inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return invalid("input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return invalid("'-' cannot be mixed with other roots")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return invalid("output not set")
	}
	if cfg.Output == "-" {
		if len(cfg.Inputs) > 1 {
			return invalid("stdout output accepts a single input")
		}
		if cfg.Report {
			return invalid("report requires a file destination, not '-'")
		}
	}
	if err := checkLangs(cfg.SourceLang, cfg.TargetLang); err != nil {
		return err
	}
	if cfg.Concurrency < 1 {
		return invalid("concurrency must be >= 1")
	}
	if cfg.MaxChars <= 0 {
		return invalid("max_chars must be > 0")
	}
	if cfg.MaxFragments < 0 {
		return invalid("max_fragments must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return invalid("max_retries must be >= 0")
	}
	if cfg.BaseDelayMS < 0 || cfg.MaxDelayMS < 0 || cfg.TimeoutSeconds < 0 || cfg.MaxInputBytes < 0 {
		return invalid("delays, timeout and max_input_bytes must be >= 0")
	}
	if cfg.FrameRate < 0 || cfg.FrameRate > 1000 {
		return invalid("frame_rate must be between 0 and 1000")
	}
	if _, err := driver.ParsePolicy(cfg.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("unknown log level %q", cfg.Logging.Level)
	}
	name, prov, err := resolveProvider(cfg)
	if err != nil {
		return err
	}
	if prov.Limits.RPM < 0 || prov.Limits.CPM < 0 || prov.Limits.MaxCharsPerReq < 0 {
		return invalid("provider %q limits must be >= 0", name)
	}
	if prov.Limits.MaxCharsPerReq > 0 && cfg.MaxChars > prov.Limits.MaxCharsPerReq {
		return invalid("max_chars(%d) exceeds provider.max_chars_per_req(%d)", cfg.MaxChars, prov.Limits.MaxCharsPerReq)
	}
	if prov.Limits.CPM > 0 && cfg.MaxChars > prov.Limits.CPM {
		return invalid("max_chars(%d) exceeds provider cpm(%d); no batch could ever pass", cfg.MaxChars, prov.Limits.CPM)
	}
	return nil
}

// checkLangs: 目标语言必须是合法 BCP 47 标签；源语言可为 "auto"。
func checkLangs(src, dst string) error {
	dst = strings.TrimSpace(dst)
	if dst == "" {
		return invalid("target_lang not set")
	}
	if strings.EqualFold(dst, "auto") {
		return invalid("target_lang cannot be auto")
	}
	if _, err := language.Parse(dst); err != nil {
		return fmt.Errorf("config: target_lang %q: %v: %w", dst, err, contract.ErrUnsupportedLanguage)
	}
	src = strings.TrimSpace(src)
	if src == "" || strings.EqualFold(src, "auto") {
		return nil
	}
	if _, err := language.Parse(src); err != nil {
		return fmt.Errorf("config: source_lang %q: %v: %w", src, err, contract.ErrUnsupportedLanguage)
	}
	return nil
}

// resolveProvider 取得 Translator 对应的 provider；未定义但与后端同名时使用空 options。
func resolveProvider(cfg Config) (string, Provider, error) {
	name := strings.TrimSpace(cfg.Translator)
	if name == "" {
		return "", Provider{}, invalid("translator not set")
	}
	prov, ok := cfg.Provider[name]
	if !ok {
		if registry.Translator[name] == nil {
			return "", Provider{}, invalid("provider %q not found (backends: %s)", name, strings.Join(registry.Names(registry.Translator), ", "))
		}
		prov = Provider{Client: name}
	}
	if prov.Client == "" {
		return "", Provider{}, invalid("provider %q missing client", name)
	}
	if registry.Translator[prov.Client] == nil {
		return "", Provider{}, invalid("translator client %q not registered", prov.Client)
	}
	return name, prov, nil
}

// Assemble 构造 Components、Settings 与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (Plan, error) {
	if err := Validate(cfg); err != nil {
		return Plan{}, err
	}
	name, prov, _ := resolveProvider(cfg)

	r, err := registry.Reader["fs"](cfg.Options.Reader)
	if err != nil {
		return Plan{}, fmt.Errorf("config: reader: %w", err)
	}
	tr, err := registry.Translator[prov.Client](prov.Options)
	if err != nil {
		return Plan{}, fmt.Errorf("config: translator %s: %w", name, err)
	}
	lay, err := planLayout(cfg.Inputs, cfg.Output)
	if err != nil {
		return Plan{}, err
	}
	var w contract.Writer
	if lay.stdout {
		w, err = registry.Writer["stdout"](nil)
	} else {
		var raw json.RawMessage
		if raw, err = withOutputDir(cfg.Options.Writer, lay.dir); err == nil {
			w, err = registry.Writer["fs"](raw)
		}
	}
	if err != nil {
		return Plan{}, fmt.Errorf("config: writer: %w", err)
	}

	// 分组键优先由 API Key 派生；失败则退化为 provider 名称
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(name)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, CPM: prov.Limits.CPM, MaxCharsPerReq: prov.Limits.MaxCharsPerReq},
	}, nil)

	pol, _ := driver.ParsePolicy(cfg.Policy)
	src := strings.TrimSpace(cfg.SourceLang)
	if src == "" {
		src = "auto"
	}
	set := pipeline.Settings{
		Inputs: cloneStrings(cfg.Inputs),
		Lang:   contract.LangPair{Source: src, Target: strings.TrimSpace(cfg.TargetLang)},
		Limit:  segment.Limit{MaxChars: cfg.MaxChars, MaxFragments: cfg.MaxFragments},
		Driver: driver.Settings{
			Concurrency: cfg.Concurrency,
			MaxRetries:  cfg.MaxRetries,
			BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
			CallTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			Policy:      pol,
			Gate:        gate,
			GateKey:     key,
		},
		TranslatorName: name,
		Artifact:       lay.artifact,
		Report:         cfg.Report,
		MaxInputBytes:  cfg.MaxInputBytes,
		FrameRate:      cfg.FrameRate,
	}
	comp := pipeline.Components{Reader: r, Writer: w, Translator: tr}
	return Plan{Components: comp, Settings: set, Gate: gate, Key: key, Client: prov.Client}, nil
}

// layout: 输出落点。
type layout struct {
	stdout   bool
	dir      string
	artifact func(contract.FileID) contract.ArtifactID
}

// planLayout 依据输入与目标决定写出位置：
// - "-" 写到 STDOUT；
// - 单文件/STDIN 输入：目标为文件路径（若为已存在目录则沿用输入文件名）；
// - 目录或多根输入：目标为目录，保留相对根的层级。
func planLayout(inputs []string, output string) (layout, error) {
	if output == "-" {
		if len(inputs) == 1 && inputs[0] != "-" {
			if st, err := os.Stat(inputs[0]); err == nil && st.IsDir() {
				return layout{}, invalid("directory input requires a destination directory, not '-'")
			}
		}
		return layout{stdout: true}, nil
	}
	outDir := false
	if st, err := os.Stat(output); err == nil {
		if st.IsDir() {
			outDir = true
		}
	}
	single := len(inputs) == 1
	if single && inputs[0] != "-" {
		st, err := os.Stat(inputs[0])
		if err != nil {
			return layout{}, fmt.Errorf("config: input %s: %w", inputs[0], err)
		}
		single = !st.IsDir()
	}
	if single {
		if !outDir {
			base := contract.ArtifactID(filepath.Base(output))
			return layout{dir: filepath.Dir(output), artifact: func(contract.FileID) contract.ArtifactID { return base }}, nil
		}
		if inputs[0] == "-" {
			return layout{}, invalid("stdin input requires a destination file, %s is a directory", output)
		}
		return layout{dir: output, artifact: func(id contract.FileID) contract.ArtifactID {
			return contract.ArtifactID(path.Base(string(id)))
		}}, nil
	}
	if st, err := os.Stat(output); err == nil && !st.IsDir() {
		return layout{}, invalid("destination %s must be a directory", output)
	}
	roots := make([]string, 0, len(inputs))
	for _, in := range inputs {
		roots = append(roots, string(contract.NormalizeFileID(in)))
	}
	return layout{dir: output, artifact: func(id contract.FileID) contract.ArtifactID {
		return relArtifact(roots, id)
	}}, nil
}

// relArtifact: 去掉所属根前缀；单文件根只保留文件名。
func relArtifact(roots []string, id contract.FileID) contract.ArtifactID {
	s := string(id)
	for _, r := range roots {
		if r == "." && !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "../") {
			return contract.ArtifactID(s)
		}
		if rest, ok := strings.CutPrefix(s, strings.TrimSuffix(r, "/")+"/"); ok {
			return contract.ArtifactID(rest)
		}
	}
	return contract.ArtifactID(path.Base(s))
}

// withOutputDir 将 output_dir 注入 writer options（保留其余键）。
func withOutputDir(raw json.RawMessage, dir string) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid("writer options: %v", err)
		}
	}
	b, err := json.Marshal(dir)
	if err != nil {
		return nil, err
	}
	m["output_dir"] = b
	return json.Marshal(m)
}
