package controller

import (
	"context"

	"geochat_backend/internal/model"
	"geochat_backend/internal/util"

	"github.com/gin-gonic/gin"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 500
)

type ChatThreads interface {
	Thread(ctx context.Context, me, them string, limit int) ([]model.Message, error)
	Send(ctx context.Context, me, them, content string) (model.Message, error)
}

// ChatController 处理一对一聊天的 HTTP 请求，实时推送见 LiveController
type ChatController struct {
	Chat ChatThreads
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Content string `json:"content" binding:"required" example:"你好"`
}

func NewChatController(chat ChatThreads) *ChatController {
	return &ChatController{Chat: chat}
}

// GetMessages godoc
// @Summary 获取与好友的聊天记录
// @Tags 聊天
// @Produce json
// @Security ApiKeyAuth
// @Param friendId path string true "好友ID"
// @Param limit query int false "条数" default(50)
// @Success 200 {object} util.Response{data=[]model.Message}
// @Router /api/chat/{friendId}/messages [get]
func (ctrl *ChatController) GetMessages(c *gin.Context) {
	limit := util.ParseLimit(c.Query("limit"), defaultThreadLimit, maxThreadLimit)
	msgs, err := ctrl.Chat.Thread(c.Request.Context(), util.CurrentUserID(c), c.Param("friendId"), limit)
	if err != nil {
		util.RespondError(c, err)
		return
	}
	util.Success(c, msgs)
}

// SendMessage godoc
// @Summary 发送消息
// @Description 消息写入后经变更流推送给双方，响应中返回已写入的消息
// @Tags 聊天
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param friendId path string true "好友ID"
// @Param request body SendMessageRequest true "消息内容"
// @Success 201 {object} util.Response{data=model.Message}
// @Router /api/chat/{friendId}/messages [post]
func (ctrl *ChatController) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, "content is required")
		return
	}
	msg, err := ctrl.Chat.Send(c.Request.Context(), util.CurrentUserID(c), c.Param("friendId"), req.Content)
	if err != nil {
		util.RespondError(c, err)
		return
	}
	util.Created(c, msg)
}
