package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"subtitle-translate/internal/codec"
)

// EnvPrefix: 环境变量前缀。
const EnvPrefix = "SUBTRANS_"

// DefaultFile: 未显式指定时尝试读取的配置文件。
const DefaultFile = "config.json"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	return Config{
		SourceLang:     "auto",
		Concurrency:    4,
		MaxChars:       2000,
		MaxFragments:   50,
		MaxRetries:     3,
		BaseDelayMS:    500,
		MaxDelayMS:     8000,
		TimeoutSeconds: 60,
		Policy:         "strict",
		MaxInputBytes:  64 << 20,
		FrameRate:      codec.DefaultFrameRate,
		Logging:        Logging{Level: "info"},
		Translator:     "libretranslate",
	}
}

// Unset 返回“全部未设置”的覆盖层（哨兵字段为 -1）。
func Unset() Config {
	return Config{MaxRetries: -1, MaxFragments: -1}
}

// LoadDotEnv 读取 .env（不存在时忽略）；已存在的环境变量不被覆盖。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Source 决定 JSON 配置来源：显式路径 > SUBTRANS_CONFIG_FILE > SUBTRANS_CONFIG_JSON > ./config.json。
// 均不存在时返回空（仅使用默认值与环境变量）。
func Source(flagPath string, getenv func(string) string) (path string, raw []byte) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := strings.TrimSpace(getenv(EnvPrefix + "CONFIG_FILE")); p != "" {
		return p, nil
	}
	if j := strings.TrimSpace(getenv(EnvPrefix + "CONFIG_JSON")); j != "" {
		return "", []byte(j)
	}
	if st, err := os.Stat(DefaultFile); err == nil && st.Mode().IsRegular() {
		return DefaultFile, nil
	}
	return "", nil
}

// LoadJSON 从文件路径或原始 JSON 解析覆盖层（严格拒绝未知字段）。
// 未出现的 max_retries/max_fragments 保持“未设置”。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Unset()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", srcName(path), err)
	}
	return cfg, nil
}

func srcName(path string) string {
	if path == "" {
		return EnvPrefix + "CONFIG_JSON"
	}
	return path
}

// Load 组合 Defaults → JSON → 环境变量；CLI 覆盖由调用方再 Merge。
func Load(flagPath string, environ []string) (Config, error) {
	cfg := Defaults()
	path, raw := Source(flagPath, lookup(environ))
	if path != "" || len(raw) > 0 {
		fc, err := LoadJSON(path, raw)
		if err != nil {
			return cfg, err
		}
		cfg = Merge(cfg, fc)
	}
	ec, err := EnvOverlay(environ)
	if err != nil {
		return cfg, err
	}
	return Merge(cfg, ec), nil
}

func lookup(environ []string) func(string) string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return func(k string) string { return m[k] }
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/字符串/原样 JSON 为“替换”；provider 按字段合并。
func Merge(base, over Config) Config {
	out := base
	out.Provider = cloneProviders(base.Provider)
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	setStr(&out.Output, over.Output)
	setStr(&out.SourceLang, over.SourceLang)
	setStr(&out.TargetLang, over.TargetLang)
	setStr(&out.Policy, over.Policy)
	setStr(&out.Translator, over.Translator)
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setStr(&out.Metrics.Addr, over.Metrics.Addr)
	setStr(&out.Metrics.File, over.Metrics.File)

	setInt(&out.Concurrency, over.Concurrency)
	setInt(&out.MaxChars, over.MaxChars)
	setInt(&out.BaseDelayMS, over.BaseDelayMS)
	setInt(&out.MaxDelayMS, over.MaxDelayMS)
	setInt(&out.TimeoutSeconds, over.TimeoutSeconds)
	if over.MaxInputBytes != 0 {
		out.MaxInputBytes = over.MaxInputBytes
	}
	if over.FrameRate != 0 {
		out.FrameRate = over.FrameRate
	}
	// 0 具有语义（不重试 / 不限片段数），>= 0 即视为显式设置
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.MaxFragments >= 0 {
		out.MaxFragments = over.MaxFragments
	}
	if over.Report {
		out.Report = true
	}

	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}

	for name, op := range over.Provider {
		if out.Provider == nil {
			out.Provider = make(map[string]Provider, len(over.Provider))
		}
		p := out.Provider[name]
		setStr(&p.Client, op.Client)
		if len(op.Options) > 0 {
			p.Options = cloneRaw(op.Options)
		}
		setInt(&p.Limits.RPM, op.Limits.RPM)
		setInt(&p.Limits.CPM, op.Limits.CPM)
		setInt(&p.Limits.MaxCharsPerReq, op.Limits.MaxCharsPerReq)
		out.Provider[name] = p
	}
	return out
}

func setStr(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合，其余忽略）。
// 支持：INPUTS, OUTPUT, SOURCE_LANG, TARGET_LANG, TRANSLATOR, POLICY, REPORT,
// CONCURRENCY, MAX_CHARS, MAX_FRAGMENTS, MAX_RETRIES, BASE_DELAY_MS, MAX_DELAY_MS,
// TIMEOUT_SECONDS, MAX_INPUT_BYTES, FRAME_RATE, LOG_LEVEL, LOG_DIR, METRICS_ADDR, METRICS_FILE,
// OPTIONS_READER_JSON, OPTIONS_WRITER_JSON
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,CPM,MAX_CHARS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
// 数值无法解析时返回错误。
func EnvOverlay(environ []string) (Config, error) {
	over := Unset()
	prov := map[string]Provider{}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || len(key) == len(EnvPrefix) {
			continue
		}
		// 空值视为未设置（.env 模板中的占位行）
		if strings.TrimSpace(val) == "" {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		num := func(dst *int) error {
			v, err := atoi(val)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = v
			return nil
		}
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "OUTPUT":
			over.Output = val
		case "SOURCE_LANG":
			over.SourceLang = val
		case "TARGET_LANG":
			over.TargetLang = val
		case "TRANSLATOR":
			over.Translator = val
		case "POLICY":
			over.Policy = val
		case "REPORT":
			if b, perr := strconv.ParseBool(strings.TrimSpace(val)); perr == nil {
				over.Report = b
			} else {
				err = fmt.Errorf("config: %s: %w", key, perr)
			}
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "METRICS_ADDR":
			over.Metrics.Addr = val
		case "METRICS_FILE":
			over.Metrics.File = val
		case "CONCURRENCY":
			err = num(&over.Concurrency)
		case "MAX_CHARS":
			err = num(&over.MaxChars)
		case "MAX_FRAGMENTS":
			err = num(&over.MaxFragments)
		case "MAX_RETRIES":
			err = num(&over.MaxRetries)
		case "BASE_DELAY_MS":
			err = num(&over.BaseDelayMS)
		case "MAX_DELAY_MS":
			err = num(&over.MaxDelayMS)
		case "TIMEOUT_SECONDS":
			err = num(&over.TimeoutSeconds)
		case "MAX_INPUT_BYTES":
			var n int
			if err = num(&n); err == nil {
				over.MaxInputBytes = int64(n)
			}
		case "FRAME_RATE":
			if f, perr := strconv.ParseFloat(strings.TrimSpace(val), 64); perr == nil {
				over.FrameRate = f
			} else {
				err = fmt.Errorf("config: %s: %w", key, perr)
			}
		case "OPTIONS_READER_JSON":
			over.Options.Reader = json.RawMessage(val)
		case "OPTIONS_WRITER_JSON":
			over.Options.Writer = json.RawMessage(val)
		case "CONFIG_FILE", "CONFIG_JSON":
			// 由 Source 处理
		default:
			err = providerEnv(prov, key, nk, val)
		}
		if err != nil {
			return over, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// providerEnv 解析 PROVIDER__name__FIELD；仅在有效变更时记录该 provider。
func providerEnv(prov map[string]Provider, key, nk, val string) error {
	rest, ok := strings.CutPrefix(nk, "PROVIDER__")
	if !ok {
		return nil
	}
	name, field, ok := strings.Cut(rest, "__")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil
	}
	p := prov[name]
	num := func(dst *int) error {
		v, err := atoi(val)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = v
		return nil
	}
	var err error
	switch field {
	case "CLIENT":
		p.Client = strings.TrimSpace(val)
	case "LIMITS_RPM":
		err = num(&p.Limits.RPM)
	case "LIMITS_CPM":
		err = num(&p.Limits.CPM)
	case "LIMITS_MAX_CHARS_PER_REQ":
		err = num(&p.Limits.MaxCharsPerReq)
	case "OPTIONS_JSON":
		if !json.Valid([]byte(val)) {
			return fmt.Errorf("config: %s: invalid JSON", key)
		}
		p.Options = json.RawMessage(val)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

func cloneProviders(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		v.Options = cloneRaw(v.Options)
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
