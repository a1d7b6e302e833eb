package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainMonitor 链监控能力接口，屏蔽账户模型和 UTXO 模型的差异
// MonitorAddress 必须幂等：链上没有新动静时重复调用返回空，绝不产生重复充值
type ChainMonitor interface {
	Chain() string
	// MonitorAddress 扫描一个地址的新入账，返回真正新发现的充值
	// 瞬时的节点故障作为该地址的错误返回，不允许 panic
	MonitorAddress(ctx context.Context, address string, userID int64) ([]Deposit, error)
	// RequiredConfirmations 该链的入账确认数 (重组风险越高配得越深)
	RequiredConfirmations() int64
}

// ConfirmationSource 确认数查询，sweep 用
// found=false 表示交易已经不在主链上 (重组信号)
type ConfirmationSource interface {
	TxConfirmations(ctx context.Context, txHash string) (confirmations int64, found bool, err error)
}

// FeeEstimator 提现手续费估算
// 估不出来时实现方自己兜底到静态费率，绝不阻塞提现
type FeeEstimator interface {
	EstimateFee(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
}

// AddressValidator 链上地址格式校验，烂输入只返回 false 不报错
type AddressValidator interface {
	ValidateAddress(address string) bool
}

// Broadcaster 外部签名机/HSM 的边界
// 签名和私钥托管完全在本核心之外，这里只拿回 txHash
type Broadcaster interface {
	Broadcast(ctx context.Context, w *Withdrawal) (txHash string, err error)
}
