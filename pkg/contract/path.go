package contract

import (
	"path"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// 字幕扩展名 → 格式提示；.sub 仅指 MicroDVD 文本格式（不含 VobSub 位图）。
var extFormats = map[string]Format{
	".srt": FormatSRT,
	".vtt": FormatVTT,
	".ass": FormatASS,
	".ssa": FormatSSA,
	".sub": FormatMicroDVD,
}

// SubtitleExts 返回目录遍历默认接受的扩展名（小写、含点、有序）。
func SubtitleExts() []string {
	exts := lo.Keys(extFormats)
	slices.Sort(exts)
	return exts
}

// FormatOf 按扩展名（不区分大小写）给出格式提示；实际格式以内容嗅探为准。
func FormatOf(id FileID) (Format, bool) {
	f, ok := extFormats[strings.ToLower(path.Ext(string(id)))]
	return f, ok
}

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID：
// 反斜杠一律视为分隔符，按 POSIX 语义清理 . 与 ..，不做绝对化。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}
