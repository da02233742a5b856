package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/ptmeter/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/ptmeter/internal/ledger/domain"
)

type createAccountRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tier, err := accountdomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	acct, err := s.accountSvc.GetOrCreate(c.Request.Context(), strings.TrimSpace(req.UserID), tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, acct)
}

func (s *Server) GetAccount(c *gin.Context) {
	acct, err := s.accountSvc.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, acct)
}

type topUpRequest struct {
	AdvancedPT int64  `json:"advanced_pt"`
	SourceID   string `json:"source_id"`
}

// TopUpAdvanced credits purchased advanced PT. Purchased balance is exempt
// from the cycle grant and survives rollover.
func (s *Server) TopUpAdvanced(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balances, err := s.ledgerSvc.RecordAllocation(c.Request.Context(), ledgerdomain.AllocationRequest{
		UserID:     c.Param("user_id"),
		AdvancedPT: req.AdvancedPT,
		Purchased:  true,
		SourceType: ledgerdomain.SourceTypeTopUp,
		SourceID:   req.SourceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balances)
}

type changeTierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) ChangeTier(c *gin.Context) {
	var req changeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tier, err := accountdomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	acct, err := s.accountSvc.ChangeTier(c.Request.Context(), c.Param("user_id"), tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, acct)
}

func (s *Server) UnlockAdvanced(c *gin.Context) {
	acct, err := s.accountSvc.UnlockAdvanced(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, acct)
}

func (s *Server) ListLedger(c *gin.Context) {
	var req ledgerdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.UserID = c.Param("user_id")

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReplayLedger folds the full transaction history and returns the derived
// balances, for auditing the account snapshot against the log.
func (s *Server) ReplayLedger(c *gin.Context) {
	balances, err := s.ledgerSvc.Replay(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balances)
}

func (s *Server) TriggerCycleReset(c *gin.Context) {
	acct, err := s.accountSvc.ResetCycle(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, acct)
}
