// 钱包服务配置结构，由 pkg/config (viper) 加载
package config

import (
	"vaultex.com/pkg/orm"
	"vaultex.com/pkg/xredis"
)

// ChainConf 单条链的接入配置
// Kind 决定用哪个适配器: account (ETH 系) / utxo (BTC 系)
type ChainConf struct {
	Name          string  // 链标识，例如 "ETH" / "BTC"
	Kind          string  // "account" | "utxo"
	Endpoint      string  // 节点 RPC 地址
	RPCUser       string  // utxo 链的节点认证
	RPCPass       string
	Network       string  // utxo 链网络: mainnet | testnet3 | regtest
	Symbol        string  // 入账资产符号
	Contract      string  // account 链 ERC-20 合约地址，留空扫原生币
	Decimals      int32   // 代币精度
	CoinType      uint32  // BIP44 币种编号 (BTC=0, ETH=60)
	Xpub          string  // 账户级扩展公钥，地址派生用
	Confirmations int64   // 入账确认数
	MaxBlockRange int64   // account 链单轮最多追多少块
	SearchBatch   int     // utxo 链单轮最多翻多少条历史
	Concurrency   int     // 本链地址扫描并发度
	RatePerSec    float64 // 上游节点限速
	RPCTimeoutSec int
	StaticFee     string // 估费兜底，十进制字符串
	FeeBufferPct  int64  // 估出来再加的安全余量 (%)
	SignerURL     string // 外部签名机地址，留空则本链不开提现执行器
}

type Config struct {
	Name        string // 服务名
	LogLevel    string // debug | info | warn | error
	HTTPAddr    string // 运营面 API 地址，留空不开
	MetricsAddr string // prometheus 暴露地址，留空不开

	ScanIntervalSec    int // 扫描周期
	ProcessIntervalSec int // 提现执行器周期
	WithdrawBatch      int // 提现执行器单轮抢单上限

	Mysql  orm.Config
	Redis  xredis.Config
	Chains []ChainConf
}
