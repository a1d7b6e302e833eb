// 只持有扩展公钥的地址派生，私钥永远不进这个进程
package hdwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 币种编号
const (
	CoinTypeBTC uint32 = 0
	CoinTypeETH uint32 = 60
)

// ErrInvalidKeyFormat 扩展公钥无法解析，或者传进来的是私钥
var ErrInvalidKeyFormat = errors.New("hdwallet: invalid extended public key")

// XpubWallet 账户级扩展公钥 (m/44'/coin'/0') 的派生器
// 同一个 (xpub, index) 永远得到同一个地址
type XpubWallet struct {
	accountKey *hdkeychain.ExtendedKey
	coinType   uint32
	params     *chaincfg.Params
}

// NewFromXpub 从账户级扩展公钥构造派生器
// 拒绝私钥：热路径上绝不允许出现可签名的材料
func NewFromXpub(xpub string, coinType uint32, params *chaincfg.Params) (*XpubWallet, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%w: got a private key", ErrInvalidKeyFormat)
	}
	if coinType != CoinTypeBTC && coinType != CoinTypeETH {
		return nil, fmt.Errorf("%w: unsupported coin type %d", ErrInvalidKeyFormat, coinType)
	}
	return &XpubWallet{
		accountKey: key,
		coinType:   coinType,
		params:     params,
	}, nil
}

// DeriveAddress 派生外部链 (m/44'/coin'/0'/0/index) 的收款地址
// 纯函数：失败直接报错，绝不返回占位地址
func (w *XpubWallet) DeriveAddress(index uint32) (string, error) {
	// 外部链 branch=0，index 为非强化派生，公钥就能推
	branch, err := w.accountKey.Derive(0)
	if err != nil {
		return "", fmt.Errorf("derive branch failed: %w", err)
	}
	child, err := branch.Derive(index)
	if err != nil {
		// 极小概率的无效子键，上层换一个 index 重新分配
		return "", fmt.Errorf("derive index %d failed: %w", index, err)
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("export pubkey failed: %w", err)
	}

	switch w.coinType {
	case CoinTypeBTC:
		// SegWit 地址 (p2wpkh)
		addr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pubKey.SerializeCompressed()),
			w.params,
		)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case CoinTypeETH:
		// EIP-55 校验和格式
		return crypto.PubkeyToAddress(*pubKey.ToECDSA()).Hex(), nil
	default:
		return "", fmt.Errorf("unsupported coin type %d", w.coinType)
	}
}

// AccountXpubFromMnemonic 运维工具：从助记词推出账户级 xpub (m/44'/coin'/0')
// 只在离线初始化时用，服务进程里只接收它的输出
func AccountXpubFromMnemonic(mnemonic string, coinType uint32, params *chaincfg.Params) (string, error) {
	if mnemonic == "" {
		return "", errors.New("mnemonic cannot be empty")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return "", err
	}
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		coinType + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
	}
	key := master
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return "", err
		}
	}
	neutered, err := key.Neuter()
	if err != nil {
		return "", err
	}
	return neutered.String(), nil
}
