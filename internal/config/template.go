package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// 默认使用本地 LibreTranslate，并列出全部后端与其选项键（值为空/默认）。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Inputs = []string{"-"}
	cfg.Output = "-"
	cfg.TargetLang = "fr"
	cfg.Provider = map[string]Provider{
		"libretranslate": {
			Client: "libretranslate",
			Options: json.RawMessage(`{
  "url": "http://localhost:5000/translate",
  "api_key": "",
  "api_key_env": "LIBRETRANSLATE_API_KEY",
  "timeout_seconds": 60,
  "per_fragment": false
}`),
			Limits: Limits{RPM: 60},
		},
		"deepl": {
			Client: "deepl",
			Options: json.RawMessage(`{
  "url": "",
  "api_key": "",
  "api_key_env": "DEEPL_API_KEY",
  "formality": "",
  "timeout_seconds": 60
}`),
			Limits: Limits{RPM: 60, CPM: 100000, MaxCharsPerReq: 30000},
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {},
  "json_mode": "object",
  "inline_system_template": "",
  "system_template_path": "",
  "inline_glossary": "",
  "glossary_path": ""
}`),
		},
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "inline_system_template": "",
  "system_template_path": "",
  "inline_glossary": "",
  "glossary_path": ""
}`),
		},
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"mode": "prefix", "prefix": "MOCK", "dict": {}, "delay_ms": 0}`),
			Limits:  Limits{RPM: 600, CPM: 100000},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "allow_exts": [".srt", ".vtt", ".ass", ".ssa", ".sub"],
  "exclude_dir_names": [".git", "node_modules"]
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true,
  "flat": false,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板：列出支持的覆盖项与常见后端密钥（值为空即未设置）。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# subtitle-translate .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON；已存在的环境变量不会被 .env 覆盖\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	for _, k := range []string{"CONFIG_FILE", "CONFIG_JSON"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUTS", "OUTPUT", "SOURCE_LANG", "TARGET_LANG", "TRANSLATOR", "POLICY", "REPORT",
		"CONCURRENCY", "MAX_CHARS", "MAX_FRAGMENTS", "MAX_RETRIES", "BASE_DELAY_MS", "MAX_DELAY_MS",
		"TIMEOUT_SECONDS", "MAX_INPUT_BYTES", "FRAME_RATE", "LOG_LEVEL", "LOG_DIR", "METRICS_ADDR", "METRICS_FILE",
	} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	for _, name := range []string{"libretranslate", "deepl", "openai", "gemini"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", name)
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_CPM", "LIMITS_MAX_CHARS_PER_REQ", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", EnvPrefix, name, f)
		}
	}
	b.WriteString("\n# 后端密钥\n")
	for _, k := range []string{"LIBRETRANSLATE_API_KEY", "DEEPL_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY"} {
		b.WriteString(k + "=\n")
	}
	return b.String()
}

// WriteInit 在 dir 下生成 config.json 与 .env；已存在的文件不覆盖。
// 返回实际写出的文件。
func WriteInit(dir string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var wrote []string
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	if err != nil {
		return nil, err
	}
	cp := filepath.Join(dir, DefaultFile)
	ok, err := createExcl(cp, append(b, '\n'))
	if err != nil {
		return wrote, err
	}
	if ok {
		wrote = append(wrote, cp)
	}
	ep := filepath.Join(dir, ".env")
	if ok, err = createExcl(ep, []byte(DotEnvTemplate())); err != nil {
		return wrote, err
	}
	if ok {
		wrote = append(wrote, ep)
	}
	return wrote, nil
}

// createExcl 仅在文件不存在时写入；已存在返回 false。
func createExcl(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
