package controller

import (
	"context"

	"geochat_backend/internal/model"
	"geochat_backend/internal/service"
	"geochat_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type FriendFinder interface {
	Friends(ctx context.Context, userID string) ([]service.FriendStatus, error)
	Nearby(ctx context.Context, userID string, maxRadiusKm float64) ([]model.RankedFriend, error)
}

type FriendsController struct {
	Friends         FriendFinder
	// DefaultRadiusKm applies when max_km is absent; 0 means unbounded.
	DefaultRadiusKm float64
}

func NewFriendsController(friends FriendFinder) *FriendsController {
	return &FriendsController{Friends: friends}
}

// List godoc
// @Summary 好友列表（含在线状态）
// @Tags 好友
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]service.FriendStatus}
// @Router /api/friends [get]
func (ctrl *FriendsController) List(c *gin.Context) {
	list, err := ctrl.Friends.Friends(c.Request.Context(), util.CurrentUserID(c))
	if err != nil {
		util.RespondError(c, err)
		return
	}
	util.Success(c, list)
}

// Nearby godoc
// @Summary 按距离排序的附近好友
// @Description 需要当前用户已共享位置，否则返回 412
// @Tags 好友
// @Produce json
// @Security ApiKeyAuth
// @Param max_km query number false "最大半径(公里)"
// @Success 200 {object} util.Response{data=[]model.RankedFriend}
// @Failure 412 {object} util.Response
// @Router /api/friends/nearby [get]
func (ctrl *FriendsController) Nearby(c *gin.Context) {
	maxKm := ctrl.DefaultRadiusKm
	if raw, ok := c.GetQuery("max_km"); ok {
		v, err := util.ParseOptionalFloat(raw)
		if err != nil || v < 0 {
			util.BadRequest(c, "max_km must be a non-negative number")
			return
		}
		maxKm = v
	}
	ranked, err := ctrl.Friends.Nearby(c.Request.Context(), util.CurrentUserID(c), maxKm)
	if err != nil {
		util.RespondError(c, err)
		return
	}
	util.Success(c, ranked)
}
