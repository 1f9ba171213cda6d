package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	snowrail "github.com/Colombia-Blockchain/snowrail-core"
	"github.com/Colombia-Blockchain/snowrail-core/types"
)

type validateRequest struct {
	URL    string `json:"url" binding:"required"`
	Amount int64  `json:"amount" binding:"gte=0"`
}

type intentRequest struct {
	URL       string `json:"url" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Sender    string `json:"sender" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
}

type signRequest struct {
	IntentID string `json:"intentId" binding:"required"`
}

type confirmRequest struct {
	IntentID  string `json:"intentId" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type intentResponse struct {
	Intent     *types.PaymentIntent    `json:"intent"`
	Validation *types.ValidationResult `json:"validation"`
}

type confirmResponse struct {
	TxHash      string         `json:"txHash"`
	ExplorerURL string         `json:"explorerUrl"`
	Receipt     *types.Receipt `json:"receipt"`
}

type pendingResponse struct {
	IntentID string             `json:"intentId"`
	Status   types.IntentStatus `json:"status"`
	Code     string             `json:"code"`
	Error    string             `json:"error"`
}

func (s *Server) validate(c *gin.Context) {
	var req validateRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.Validate(c.Request.Context(), req.URL, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) createIntent(c *gin.Context) {
	var req intentRequest
	if !s.bind(c, &req) {
		return
	}
	intent, validation, err := s.svc.CreateIntent(c.Request.Context(), snowrail.IntentRequest{
		URL:       req.URL,
		Amount:    req.Amount,
		Sender:    req.Sender,
		Recipient: req.Recipient,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, intentResponse{Intent: intent, Validation: validation})
}

func (s *Server) sign(c *gin.Context) {
	var req signRequest
	if !s.bind(c, &req) {
		return
	}
	auth, err := s.svc.Authorize(c.Request.Context(), req.IntentID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

func (s *Server) confirm(c *gin.Context) {
	var req confirmRequest
	if !s.bind(c, &req) {
		return
	}
	receipt, err := s.svc.Confirm(c.Request.Context(), req.IntentID, req.Signature)
	if errors.Is(err, types.ErrInProgress) {
		c.JSON(http.StatusAccepted, pendingResponse{
			IntentID: req.IntentID,
			Status:   types.StatusConfirming,
			Code:     types.ErrCodeInProgress,
			Error:    err.Error(),
		})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, confirmResponse{
		TxHash:      receipt.TxHash,
		ExplorerURL: receipt.ExplorerURL,
		Receipt:     receipt,
	})
}

func (s *Server) status(c *gin.Context) {
	st, err := s.svc.Status(c.Request.Context(), c.Param("intentId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) intent(c *gin.Context) {
	p, err := s.svc.Intent(c.Request.Context(), c.Param("intentId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) health(c *gin.Context) {
	report := s.svc.Health(c.Request.Context())
	code := http.StatusOK
	if report.Status == types.HealthDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// bind decodes the JSON body into req and writes a 400 on failure.
func (s *Server) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.fail(c, bindError(req, err))
		return false
	}
	return true
}
