// 外部签名机的 HTTP 客户端
// 私钥和签名逻辑完全在签名机里，本进程只提交提现单、拿回 txHash
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vaultex.com/internal/domain"
	"vaultex.com/pkg/xerr"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

var _ domain.Broadcaster = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	WithdrawalID int64  `json:"withdrawal_id"`
	Chain        string `json:"chain"`
	Symbol       string `json:"symbol"`
	Amount       string `json:"amount"`
	ToAddress    string `json:"to_address"`
}

type signResponse struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	TxHash string `json:"tx_hash"`
}

// Broadcast 提交签名并广播，幂等由签名机按 withdrawal_id 保证
func (c *Client) Broadcast(ctx context.Context, w *domain.Withdrawal) (string, error) {
	payload, err := json.Marshal(signRequest{
		WithdrawalID: w.ID,
		Chain:        w.Chain,
		Symbol:       w.Symbol,
		Amount:       w.Amount.String(),
		ToAddress:    w.ToAddress,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/sign-and-broadcast", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", xerr.New(xerr.UpstreamError, fmt.Sprintf("signer unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", xerr.New(xerr.UpstreamError, fmt.Sprintf("signer http %d", resp.StatusCode))
	}
	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", xerr.New(xerr.UpstreamError, fmt.Sprintf("bad signer response: %v", err))
	}
	if out.Code != 0 {
		return "", xerr.New(xerr.UpstreamError, fmt.Sprintf("signer rejected: %s", out.Msg))
	}
	if out.TxHash == "" {
		return "", xerr.New(xerr.UpstreamError, "signer returned empty tx hash")
	}
	return out.TxHash, nil
}
