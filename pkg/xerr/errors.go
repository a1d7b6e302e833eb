package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404
	PermissionDenied   = 403

	// 资金与生命周期相关
	InsufficientFunds  = 601 // 可用余额不足
	InvalidState       = 602 // 状态机不允许的流转
	AllocationConflict = 603 // 派生索引竞争重试耗尽
	UpstreamError      = 604 // 链上节点/存储超时或不可用
	ReorgDetected      = 605 // 交易被重组踢出主链
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Code 提取错误码，非 CodeError 一律归为 ServerCommonError
func Code(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// Is 判断错误是否携带指定错误码
func Is(err error, code int) bool {
	return Code(err) == code
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case PermissionDenied:
		return "没有操作权限"
	case InsufficientFunds:
		return "可用余额不足"
	case InvalidState:
		return "当前状态不允许该操作"
	case AllocationConflict:
		return "地址索引分配冲突，请重试"
	case UpstreamError:
		return "上游节点暂不可用"
	case ReorgDetected:
		return "交易已被链重组作废"
	default:
		return "未知错误"
	}
}
