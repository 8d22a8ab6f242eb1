package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"geochat_backend/internal/livesync"
	"geochat_backend/internal/model"
	"geochat_backend/internal/service"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"

	"github.com/gin-gonic/gin"
)

type SessionOpener interface {
	NewSession(ctx context.Context, me, them string) (*service.ChatSession, error)
}

type RosterOpener interface {
	NewRoster(me string) (*service.FriendRoster, error)
}

type SocketHub interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) (*service.Client, error)
}

// LiveController streams live views over WebSocket. Each connection owns
// its view and tears it down when the socket goes away.
type LiveController struct {
	Chat    SessionOpener
	Rosters RosterOpener
	Hub     SocketHub
	Now     func() time.Time
}

// RosterFrame is the snapshot payload of the friends stream.
type RosterFrame struct {
	Version uint64                 `json:"version"`
	Status  livesync.Status        `json:"status"`
	Friends []service.FriendStatus `json:"friends"`
}

var errUnknownFrame = errors.New("unknown frame type")

func NewLiveController(chat SessionOpener, rosters RosterOpener, hub SocketHub) *LiveController {
	return &LiveController{Chat: chat, Rosters: rosters, Hub: hub, Now: time.Now}
}

func errorFrame(err error) service.Frame {
	return service.Frame{Type: service.FrameError, Error: util.ErrorMessage(err)}
}

func statusPusher(client *service.Client) func(livesync.Status, error) {
	return func(st livesync.Status, err error) {
		f := service.Frame{Type: service.FrameStatus, Data: st}
		if err != nil {
			f.Error = util.ErrorMessage(err)
		}
		client.Push(f)
	}
}

// ChatSocket godoc
// @Summary 聊天实时流
// @Description 下行 snapshot/status/error/sent 帧；上行 {"type":"send","content":"..."} 或 {"type":"reload"}
// @Tags 实时
// @Security ApiKeyAuth
// @Param friendId path string true "好友ID"
// @Param token query string false "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /api/ws/chat/{friendId} [get]
func (ctrl *LiveController) ChatSocket(c *gin.Context) {
	me, them := util.CurrentUserID(c), c.Param("friendId")
	ctx := c.Request.Context()

	session, err := ctrl.Chat.NewSession(ctx, me, them)
	if err != nil {
		util.RespondError(c, err)
		return
	}
	defer session.Teardown()

	client, err := ctrl.Hub.Serve(c.Writer, c.Request, me)
	if err != nil {
		return
	}
	defer client.Close()

	defer session.OnStatus(statusPusher(client))()
	defer session.OnChange(func(s livesync.Snapshot[model.Message]) {
		client.Push(service.Frame{Type: service.FrameSnapshot, Data: s})
	})()

	if err := session.Open(ctx); err != nil {
		client.Push(errorFrame(err))
	}
	client.Push(service.Frame{Type: service.FrameSnapshot, Data: session.Snapshot()})

	client.ReadLoop(func(in service.InboundFrame) {
		switch in.Type {
		case "send":
			msg, err := session.Send(ctx, me, them, in.Content)
			if err != nil {
				client.Push(errorFrame(err))
				return
			}
			client.Push(service.Frame{Type: service.FrameSent, Data: msg})
		case "reload":
			if _, err := session.Load(ctx); err != nil {
				client.Push(errorFrame(err))
			}
		default:
			client.Push(errorFrame(errUnknownFrame))
		}
	})
}

// FriendsSocket godoc
// @Summary 好友位置实时流
// @Description 下行 snapshot/status/error/nearby 帧；上行 {"type":"reload"} 或 {"type":"nearby","latitude":..,"longitude":..,"max_km":..}
// @Tags 实时
// @Security ApiKeyAuth
// @Param token query string false "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /api/ws/friends [get]
func (ctrl *LiveController) FriendsSocket(c *gin.Context) {
	me := util.CurrentUserID(c)
	ctx := c.Request.Context()

	roster, err := ctrl.Rosters.NewRoster(me)
	if err != nil {
		util.RespondError(c, err)
		return
	}
	defer roster.Teardown()

	client, err := ctrl.Hub.Serve(c.Writer, c.Request, me)
	if err != nil {
		return
	}
	defer client.Close()

	push := func(s livesync.Snapshot[model.Profile]) {
		client.Push(service.Frame{Type: service.FrameSnapshot, Data: RosterFrame{
			Version: s.Version,
			Status:  s.Status,
			Friends: service.WithPresence(s.Items, ctrl.Now(), roster.Freshness()),
		}})
	}
	defer roster.OnStatus(statusPusher(client))()
	defer roster.OnChange(push)()

	if err := roster.Open(ctx); err != nil {
		client.Push(errorFrame(err))
	}
	push(roster.Snapshot())

	client.ReadLoop(func(in service.InboundFrame) {
		switch in.Type {
		case "reload":
			if err := roster.Reload(ctx); err != nil {
				client.Push(errorFrame(err))
			}
		case "nearby":
			var origin *geo.Coordinate
			if in.Latitude != nil && in.Longitude != nil {
				origin = &geo.Coordinate{Latitude: *in.Latitude, Longitude: *in.Longitude}
			}
			ranked, err := roster.Nearby(origin, in.MaxKm)
			if err != nil {
				client.Push(errorFrame(err))
				return
			}
			client.Push(service.Frame{Type: service.FrameNearby, Data: ranked})
		default:
			client.Push(errorFrame(errUnknownFrame))
		}
	})
}
