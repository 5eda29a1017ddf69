package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"subtitle-translate/pkg/contract"
)

// Code 是错误分类代码，仅用于日志/指标汇总。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeParse     Code = "parse"
	CodeMismatch  Code = "mismatch"
	CodeRejected  Code = "rejected"
)

// Classify 将错误归类；只依赖类型与哨兵错误，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var pe *contract.ParseError
	if errors.As(err, &pe) {
		return CodeParse
	}
	var de *contract.DriverError
	if errors.As(err, &de) {
		switch de.Kind {
		case contract.FragmentCountMismatch:
			return CodeMismatch
		case contract.Cancelled:
			return CodeCancel
		case contract.Rejected:
			return CodeRejected
		}
		// RetriesExhausted：按末次错误归类
		if de.Err != nil {
			return Classify(de.Err)
		}
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrUnsupportedLanguage) {
		return CodeRejected
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		if contract.TransientStatus(ue.UpstreamStatus()) {
			return CodeNetwork
		}
		return CodeRejected
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
