// 运营/管理面 HTTP API
// 面向内部运营系统，不直接暴露给终端用户
package opsapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"vaultex.com/internal/app/scanner"
	"vaultex.com/internal/core/service"
	"vaultex.com/pkg/xerr"
)

// Response 统一返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func fail(c *gin.Context, err error) {
	code := xerr.Code(err)
	c.JSON(httpStatus(code), Response{
		Code:    code,
		Message: xerr.MapErrMsg(code),
	})
}

// 业务错误码 -> http 状态码
func httpStatus(code int) int {
	switch code {
	case xerr.RequestParamsError:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.PermissionDenied:
		return http.StatusForbidden
	case xerr.InsufficientFunds, xerr.InvalidState, xerr.AllocationConflict:
		return http.StatusConflict
	case xerr.UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Server 运营面路由
type Server struct {
	addrs     *service.AddressService
	ledger    *service.LedgerService
	withdraws *service.WithdrawService
	engine    *scanner.Engine
}

func NewServer(addrs *service.AddressService, ledger *service.LedgerService,
	withdraws *service.WithdrawService, engine *scanner.Engine) *Server {
	return &Server{addrs: addrs, ledger: ledger, withdraws: withdraws, engine: engine}
}

func (s *Server) HTTPServer(addr string) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/addresses", s.createAddress)
		api.POST("/addresses/:id/retire", s.retireAddress)
		api.GET("/balances", s.getBalance)
		api.GET("/withdrawals/fee", s.estimateFee)
		api.POST("/withdrawals", s.requestWithdrawal)
		api.POST("/withdrawals/:id/cancel", s.cancelWithdrawal)
		api.GET("/withdrawals/:id", s.getWithdrawal)
		api.POST("/rescan", s.triggerRescan)
	}

	return &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

type createAddressReq struct {
	UserID int64  `json:"user_id" binding:"required"`
	Chain  string `json:"chain" binding:"required"`
}

func (s *Server) createAddress(c *gin.Context) {
	var req createAddressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	addr, err := s.addrs.CreateDepositAddress(c.Request.Context(), req.UserID, req.Chain)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, addr)
}

type idURI struct {
	ID int64 `uri:"id" binding:"required"`
}

func (s *Server) retireAddress(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	if err := s.addrs.RetireAddress(c.Request.Context(), uri.ID); err != nil {
		fail(c, err)
		return
	}
	success(c, nil)
}

type balanceQuery struct {
	UserID int64  `form:"user_id" binding:"required"`
	Asset  string `form:"asset" binding:"required"`
}

func (s *Server) getBalance(c *gin.Context) {
	var q balanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	bal, err := s.ledger.GetBalance(c.Request.Context(), q.UserID, q.Asset)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, bal)
}

type feeQuery struct {
	Chain  string `form:"chain" binding:"required"`
	Amount string `form:"amount" binding:"required"`
}

func (s *Server) estimateFee(c *gin.Context) {
	var q feeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	amount, err := decimal.NewFromString(q.Amount)
	if err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	fee, err := s.withdraws.EstimateFee(c.Request.Context(), q.Chain, amount)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"chain": q.Chain, "fee": fee})
}

type withdrawReq struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Chain     string `json:"chain" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	ToAddress string `json:"to_address" binding:"required"`
}

func (s *Server) requestWithdrawal(c *gin.Context) {
	var req withdrawReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	w, err := s.withdraws.RequestWithdrawal(c.Request.Context(), req.UserID, req.Chain, amount, req.ToAddress)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, w)
}

type cancelReq struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (s *Server) cancelWithdrawal(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	var req cancelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	if err := s.withdraws.CancelWithdrawal(c.Request.Context(), uri.ID, req.UserID); err != nil {
		fail(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) getWithdrawal(c *gin.Context) {
	var uri idURI
	if err := c.ShouldBindUri(&uri); err != nil {
		fail(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	w, err := s.withdraws.GetWithdrawal(c.Request.Context(), uri.ID)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, w)
}

// triggerRescan 运维手动触发一轮扫描，和定时周期互斥
func (s *Server) triggerRescan(c *gin.Context) {
	rep, ran := s.engine.TriggerRescan(c.Request.Context())
	if !ran {
		fail(c, xerr.New(xerr.InvalidState, "上一轮扫描还在进行中"))
		return
	}
	success(c, gin.H{
		"scanned":  rep.Scanned,
		"found":    rep.Found,
		"credited": rep.Sweep.Credited,
		"errors":   len(rep.Errors),
	})
}
