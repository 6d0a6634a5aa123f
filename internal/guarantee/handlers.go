package guarantee

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-auction/internal/auth"
	"github.com/ksred/klear-auction/pkg/response"
)

// GinHandlers contains HTTP handlers for guarantee endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// Register mounts the guarantee routes on an authenticated group
func (h *GinHandlers) Register(rg *gin.RouterGroup) {
	guarantees := rg.Group("/guarantees")
	{
		guarantees.POST("", h.CreateRequestHandler())
		guarantees.GET("/:request_id", h.GetRequestHandler())
		guarantees.POST("/:request_id/open", h.OpenBiddingHandler())
		guarantees.POST("/:request_id/bids", h.PlaceBidHandler())
		guarantees.GET("/:request_id/bids", h.ListBidsHandler())
		guarantees.POST("/:request_id/allocate", h.AllocateHandler())
	}
	rg.POST("/guarantee-bids/:bid_id/withdraw", h.WithdrawBidHandler())
}

// CreateRequestHandler handles POST /guarantees. The caller becomes the issuer.
func (h *GinHandlers) CreateRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		issuerID, ok := auth.RequireEntityID(c)
		if !ok {
			return
		}

		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		view, err := h.service.CreateGuaranteeRequest(c.Request.Context(), issuerID, req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) GetRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.GetGuaranteeRequest(c.Request.Context(), c.Param("request_id"))
		response.Handle(c, view, err)
	}
}

// OpenBiddingHandler handles POST /guarantees/:request_id/open. The body is optional.
func (h *GinHandlers) OpenBiddingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OpenBiddingRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		view, err := h.service.OpenBidding(c.Request.Context(), c.Param("request_id"), req.EndsAt)
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) PlaceBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		guarantorID, ok := auth.RequireEntityID(c)
		if !ok {
			return
		}

		var req PlaceBidRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.PlaceGuaranteeBid(c.Request.Context(), c.Param("request_id"), guarantorID, req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) ListBidsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bids, err := h.service.ListBids(c.Request.Context(), c.Param("request_id"))
		response.Handle(c, bids, err)
	}
}

func (h *GinHandlers) WithdrawBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		guarantorID, ok := auth.RequireEntityID(c)
		if !ok {
			return
		}

		result, err := h.service.WithdrawGuaranteeBid(c.Request.Context(), c.Param("bid_id"), guarantorID)
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) AllocateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.AllocateGuarantee(c.Request.Context(), c.Param("request_id"))
		response.Handle(c, view, err)
	}
}
