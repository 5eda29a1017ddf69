package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"subtitle-translate/pkg/contract"
	rfs "subtitle-translate/plugins/reader/filesystem"
	"subtitle-translate/plugins/translator/deepl"
	"subtitle-translate/plugins/translator/flaky"
	gmi "subtitle-translate/plugins/translator/gemini"
	"subtitle-translate/plugins/translator/libretranslate"
	"subtitle-translate/plugins/translator/mock"
	oai "subtitle-translate/plugins/translator/openai"
	wfs "subtitle-translate/plugins/writer/filesystem"
	"subtitle-translate/plugins/writer/stdout"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("options: %v: %w", err, contract.ErrInvalidInput)
	}
	return nil
}

// strict 先按 Options 严格校验（拦截拼写错误），再交给插件自身构造。
func strict[O any](ctor func(json.RawMessage) (contract.Translator, error)) NewTranslator {
	return func(raw json.RawMessage) (contract.Translator, error) {
		var o O
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return ctor(raw)
	}
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewTranslator 工厂签名：接收原样 JSON Options。
type NewTranslator func(raw json.RawMessage) (contract.Translator, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(opts), nil
	},
}

// Translator 翻译后端注册表。
var Translator = map[string]NewTranslator{
	"libretranslate": strict[libretranslate.Options](libretranslate.New),
	"deepl":          strict[deepl.Options](deepl.New),
	"openai":         strict[oai.Options](oai.New),
	"gemini":         strict[gmi.Options](gmi.New),
	"mock":           strict[mock.Options](mock.New),
	"flaky":          strict[flaky.Options](flaky.New),
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（默认原子替换）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		w, err := wfs.New(opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	},
	// stdout: 输出到标准输出；无选项
	"stdout": func(raw json.RawMessage) (contract.Writer, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return stdout.New(), nil
	},
}

// Names 返回注册表中排序后的名称（用于帮助与错误提示）。
func Names[F any](m map[string]F) []string {
	ks := lo.Keys(m)
	slices.Sort(ks)
	return ks
}
