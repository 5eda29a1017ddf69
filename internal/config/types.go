package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
// MaxRetries/MaxFragments 以 -1 表示“未设置”，使 0 可以被显式覆盖。
type Config struct {
	Inputs []string `json:"inputs"`
	// Output: 目标文件或目录；"-" 表示 STDOUT。
	Output     string `json:"output"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`

	Concurrency  int `json:"concurrency"`
	MaxChars     int `json:"max_chars"`
	MaxFragments int `json:"max_fragments"`
	// MaxRetries: 瞬时失败最大重试次数（>=0）。0 表示不重试。
	MaxRetries     int    `json:"max_retries"`
	BaseDelayMS    int    `json:"base_delay_ms"`
	MaxDelayMS     int    `json:"max_delay_ms"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Policy         string `json:"policy"`
	// Report: 为每个输出写 <artifact>.report.json。
	Report        bool  `json:"report"`
	MaxInputBytes int64 `json:"max_input_bytes"`
	// FrameRate: MicroDVD 帧率（帧/秒）；文件首行 {1}{1}<fps> 优先。
	FrameRate float64 `json:"frame_rate"`

	Logging Logging `json:"logging"`
	Metrics Metrics `json:"metrics"`

	// Translator: 选用的 provider 名；未在 Provider 中定义时按同名后端处理。
	Translator string              `json:"translator"`
	Provider   map[string]Provider `json:"provider"`

	// 读写组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: Dir 为空时输出到 stderr。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Metrics: Addr 非空时暴露 /metrics；File 非空时运行结束写出文本快照。
type Metrics struct {
	Addr string `json:"addr"`
	File string `json:"file"`
}

// Options: 读写组件的原样 JSON Options。
// writer.output_dir 由 Output 推导并注入，无需手工填写。
type Options struct {
	Reader json.RawMessage `json:"reader"`
	Writer json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM            int `json:"rpm"`
	CPM            int `json:"cpm"`
	MaxCharsPerReq int `json:"max_chars_per_req"`
}
