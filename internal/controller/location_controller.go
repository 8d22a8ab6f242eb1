package controller

import (
	"context"

	"geochat_backend/internal/model"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"

	"github.com/gin-gonic/gin"
)

type LocationUpdater interface {
	UpdateLocation(ctx context.Context, userID string, c geo.Coordinate) (*model.Profile, error)
	ClearLocation(ctx context.Context, userID string) (*model.Profile, error)
}

type LocationController struct {
	Locations LocationUpdater
}

// UpdateLocationRequest 上报当前位置
type UpdateLocationRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required" example:"51.5074"`
	Longitude *float64 `json:"longitude" binding:"required" example:"-0.1278"`
}

func NewLocationController(locations LocationUpdater) *LocationController {
	return &LocationController{Locations: locations}
}

// UpdateLocation godoc
// @Summary 共享当前位置
// @Tags 位置
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body UpdateLocationRequest true "坐标"
// @Success 200 {object} util.Response{data=model.Profile}
// @Router /api/me/location [put]
func (ctrl *LocationController) UpdateLocation(c *gin.Context) {
	var req UpdateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, "latitude and longitude are required")
		return
	}
	p, err := ctrl.Locations.UpdateLocation(c.Request.Context(), util.CurrentUserID(c),
		geo.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude})
	if err != nil {
		util.RespondError(c, err)
		return
	}
	util.Success(c, p)
}

// ClearLocation godoc
// @Summary 停止共享位置
// @Tags 位置
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=model.Profile}
// @Router /api/me/location [delete]
func (ctrl *LocationController) ClearLocation(c *gin.Context) {
	p, err := ctrl.Locations.ClearLocation(c.Request.Context(), util.CurrentUserID(c))
	if err != nil {
		util.RespondError(c, err)
		return
	}
	util.Success(c, p)
}
