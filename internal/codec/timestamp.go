package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"subtitle-translate/pkg/contract"
)

// 时间戳：[hh:]mm:ss(,|.)ttt；SRT 宽松接受 '.'，写出统一为各格式的规范分隔符。
var clockRe = regexp.MustCompile(`^(?:(\d+):)?(\d{1,2}):(\d{2})[,.](\d{1,3})$`)

func parseClock(s string) (d time.Duration, short bool, ok bool) {
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false, false
	}
	var h int64
	if m[1] != "" {
		h, _ = strconv.ParseInt(m[1], 10, 64)
	}
	mi, _ := strconv.ParseInt(m[2], 10, 64)
	sec, _ := strconv.ParseInt(m[3], 10, 64)
	if mi >= 60 || sec >= 60 {
		return 0, false, false
	}
	ms, _ := strconv.ParseInt(m[4], 10, 64)
	for i := len(m[4]); i < 3; i++ {
		ms *= 10
	}
	d = time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(sec)*time.Second + time.Duration(ms)*time.Millisecond
	return d, m[1] == "", true
}

func formatClock(d time.Duration, f contract.Format, short bool) string {
	ms := d.Milliseconds()
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	x := ms % 1000
	if f == contract.FormatVTT {
		if short && h == 0 {
			return fmt.Sprintf("%02d:%02d.%03d", m, s, x)
		}
		return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, x)
	}
	if f == contract.FormatASS || f == contract.FormatSSA {
		// 百分之一秒精度
		return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, x/10)
	}
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, x)
}

func isTiming(line string) bool { return strings.Contains(line, "-->") }

type timing struct {
	start, end time.Duration
	settings   string
	// short: 起止时间戳均省略小时位
	short bool
}

// parseTiming 解析 "start --> end[settings]"；settings 保留结束时间戳之后的原样文本。
func parseTiming(line string, lineNo int) (timing, error) {
	idx := strings.Index(line, "-->")
	if idx < 0 {
		return timing{}, &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("missing '-->' in %q", line)}
	}
	left := strings.TrimSpace(line[:idx])
	rest := strings.TrimLeft(line[idx+3:], " \t")
	right := rest
	settings := ""
	if j := strings.IndexAny(rest, " \t"); j >= 0 {
		right = rest[:j]
		settings = rest[j:]
	}
	start, short, ok := parseClock(left)
	if !ok {
		return timing{}, &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("bad start timestamp %q", left)}
	}
	end, endShort, ok := parseClock(right)
	if !ok {
		return timing{}, &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("bad end timestamp %q", right)}
	}
	if end <= start {
		return timing{}, &contract.ParseError{Kind: contract.MalformedTimestamp, Line: lineNo, Msg: fmt.Sprintf("end %s not after start %s", right, left)}
	}
	return timing{start: start, end: end, settings: settings, short: short && endShort}, nil
}
