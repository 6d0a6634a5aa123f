package auction

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-auction/internal/auth"
	"github.com/ksred/klear-auction/pkg/response"
)

// GinHandlers contains HTTP handlers for auction endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for auction endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// Register mounts the auction routes on an authenticated group
func (h *GinHandlers) Register(rg *gin.RouterGroup) {
	auctions := rg.Group("/auctions")
	{
		auctions.POST("", h.CreateAuctionHandler())
		auctions.GET("", h.ListAuctionsHandler())
		auctions.GET("/:auction_id", h.GetAuctionHandler())
		auctions.POST("/:auction_id/start", h.StartAuctionHandler())
		auctions.POST("/:auction_id/bids", h.PlaceBidHandler())
		auctions.GET("/:auction_id/bids", h.ListBidsHandler())
		auctions.POST("/:auction_id/extend", h.ExtendAuctionHandler())
		auctions.POST("/:auction_id/cancel", h.CancelAuctionHandler())
		auctions.POST("/:auction_id/close", h.CloseAuctionHandler())
	}
	rg.POST("/auction-bids/:bid_id/withdraw", h.WithdrawBidHandler())
}

// CreateAuctionHandler handles POST /auctions. The caller becomes the issuer.
// An optional Idempotency-Key header makes retries return the first auction.
func (h *GinHandlers) CreateAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		issuerID, ok := auth.RequireEntityID(c)
		if !ok {
			return
		}

		var req CreateAuctionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		view, err := h.service.CreateAuction(c.Request.Context(), issuerID, req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) GetAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.GetAuction(c.Request.Context(), c.Param("auction_id"))
		response.Handle(c, view, err)
	}
}

// ListAuctionsHandler handles GET /auctions?status=
func (h *GinHandlers) ListAuctionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auctions, err := h.service.ListAuctions(c.Request.Context(), c.Query("status"))
		response.Handle(c, auctions, err)
	}
}

func (h *GinHandlers) StartAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.StartAuction(c.Request.Context(), c.Param("auction_id"))
		response.Handle(c, view, err)
	}
}

// PlaceBidHandler handles POST /auctions/:auction_id/bids for the calling bidder
func (h *GinHandlers) PlaceBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bidderID, ok := auth.RequireEntityID(c)
		if !ok {
			return
		}

		var req PlaceBidRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.PlaceBid(c.Request.Context(), c.Param("auction_id"), bidderID, req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) ListBidsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bids, err := h.service.ListBids(c.Request.Context(), c.Param("auction_id"))
		response.Handle(c, bids, err)
	}
}

// WithdrawBidHandler handles POST /auction-bids/:bid_id/withdraw. Only the bid owner may withdraw.
func (h *GinHandlers) WithdrawBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bidderID, ok := auth.RequireEntityID(c)
		if !ok {
			return
		}

		result, err := h.service.WithdrawBid(c.Request.Context(), c.Param("bid_id"), bidderID)
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) ExtendAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExtendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		view, err := h.service.ExtendAuction(c.Request.Context(), c.Param("auction_id"), req.EndTime)
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) CancelAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.CancelAuction(c.Request.Context(), c.Param("auction_id"))
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) CloseAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.CloseAuction(c.Request.Context(), c.Param("auction_id"))
		response.Handle(c, view, err)
	}
}
