package contract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// 最小错误分类（用于上层策略判定）。
var (
	// ErrTransient: 可重试的瞬时失败（上游抖动、连接中断等）。
	ErrTransient = errors.New("transient failure")
	// ErrRateLimited: 上游限流（429）。
	ErrRateLimited = errors.New("rate limited")
	// ErrResponseInvalid: 上游响应无法解析或违反协议。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrInvalidInput: 请求本身无效（4xx、缺少凭据等），不重试。
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupportedLanguage: 上游不支持的语言对，不重试。
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（单请求字符上限、账户配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// IsTransient 判定错误是否值得重试。
// 取消不重试；单次调用超时、限流、响应无效、408/429/5xx、网络错误重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrResponseInvalid) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnsupportedLanguage) || errors.Is(err, ErrBudgetExceeded) {
		return false
	}
	var ue UpstreamError
	if errors.As(err, &ue) {
		return TransientStatus(ue.UpstreamStatus())
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// TransientStatus: HTTP 状态码是否属于瞬时失败。
func TransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code/100 == 5
}

// ParseKind: 解析错误类别。
type ParseKind string

const (
	MalformedTimestamp ParseKind = "malformed_timestamp"
	OutOfOrderCue      ParseKind = "out_of_order_cue"
	UnterminatedBlock  ParseKind = "unterminated_block"
	InvalidSequence    ParseKind = "invalid_sequence"
	InvalidEncoding    ParseKind = "invalid_encoding"
	UnknownFormat      ParseKind = "unknown_format"
)

// ParseError: 输入无法解析为文档；Line 为 1 起的行号（0 表示不适用）。
type ParseError struct {
	Kind ParseKind
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse: %s at line %d: %s", e.Kind, e.Line, e.Msg)
	}
	return fmt.Sprintf("parse: %s: %s", e.Kind, e.Msg)
}

// DriverKind: 翻译驱动失败类别。
type DriverKind string

const (
	// FragmentCountMismatch: 上游返回片段数与请求不一致（不重试、不调和）。
	FragmentCountMismatch DriverKind = "fragment_count_mismatch"
	// Cancelled: 外部取消；不产出部分文档。
	Cancelled DriverKind = "cancelled"
	// RetriesExhausted: 瞬时失败重试耗尽。
	RetriesExhausted DriverKind = "retries_exhausted"
	// Rejected: 永久失败（不重试）。
	Rejected DriverKind = "rejected"
)

// DriverError: 批级失败（严格模式下作为整体错误返回，降级模式下记录于 Result.Err）。
type DriverError struct {
	Kind     DriverKind
	Batch    int
	Want     int
	Got      int
	Attempts int
	Err      error
}

func (e *DriverError) Error() string {
	switch e.Kind {
	case FragmentCountMismatch:
		return fmt.Sprintf("driver: batch %d: fragment count mismatch: want %d, got %d", e.Batch, e.Want, e.Got)
	case Cancelled:
		return "driver: cancelled"
	}
	if e.Err != nil {
		return fmt.Sprintf("driver: batch %d: %s after %d attempt(s): %v", e.Batch, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("driver: batch %d: %s", e.Batch, e.Kind)
}

func (e *DriverError) Unwrap() error { return e.Err }
