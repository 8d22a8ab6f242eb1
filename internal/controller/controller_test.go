package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"geochat_backend/internal/model"
	"geochat_backend/internal/service"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/geo"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func asUser(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(util.ContextUserID, id)
		c.Next()
	}
}

func do(r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, util.Response) {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp util.Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

type fakeFriends struct {
	friends  []service.FriendStatus
	ranked   []model.RankedFriend
	err      error
	gotMaxKm float64
	gotUser  string
}

func (f *fakeFriends) Friends(_ context.Context, userID string) ([]service.FriendStatus, error) {
	f.gotUser = userID
	return f.friends, f.err
}

func (f *fakeFriends) Nearby(_ context.Context, userID string, maxKm float64) ([]model.RankedFriend, error) {
	f.gotUser, f.gotMaxKm = userID, maxKm
	return f.ranked, f.err
}

func friendsRouter(f *fakeFriends) *gin.Engine {
	r := gin.New()
	ctrl := NewFriendsController(f)
	g := r.Group("/api", asUser("me"))
	g.GET("/friends", ctrl.List)
	g.GET("/friends/nearby", ctrl.Nearby)
	return r
}

func TestNearbyWithoutLocationIs412(t *testing.T) {
	f := &fakeFriends{err: util.Precondition("service.Nearby", util.ErrLocationRequired)}
	w, resp := do(friendsRouter(f), http.MethodGet, "/api/friends/nearby", nil)

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "location sharing required", resp.Message)
	assert.Equal(t, "me", f.gotUser)
}

func TestNearbyPassesRadius(t *testing.T) {
	f := &fakeFriends{ranked: []model.RankedFriend{{Profile: model.Profile{ID: "bob"}, DistanceKm: 3}}}
	w, resp := do(friendsRouter(f), http.MethodGet, "/api/friends/nearby?max_km=12.5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 12.5, f.gotMaxKm)
	assert.Len(t, resp.Data, 1)

	r := gin.New()
	ctrl := &FriendsController{Friends: f, DefaultRadiusKm: 50}
	r.GET("/nearby", asUser("me"), ctrl.Nearby)
	do(r, http.MethodGet, "/nearby", nil)
	assert.Equal(t, 50.0, f.gotMaxKm)
	do(r, http.MethodGet, "/nearby?max_km=0", nil)
	assert.Equal(t, 0.0, f.gotMaxKm)

	w, _ = do(friendsRouter(f), http.MethodGet, "/api/friends/nearby?max_km=far", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(friendsRouter(f), http.MethodGet, "/api/friends/nearby?max_km=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFriendsStoreFailureIsMasked(t *testing.T) {
	f := &fakeFriends{err: util.Store("repo", errors.New("dial tcp 10.0.0.1:5432: refused"))}
	w, resp := do(friendsRouter(f), http.MethodGet, "/api/friends", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, resp.Message, "10.0.0.1")
}

type fakeLocations struct {
	got     *geo.Coordinate
	cleared bool
	err     error
}

func (f *fakeLocations) UpdateLocation(_ context.Context, userID string, c geo.Coordinate) (*model.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = &c
	p := model.Profile{ID: userID}.WithCoordinate(c, time.Now())
	return &p, nil
}

func (f *fakeLocations) ClearLocation(_ context.Context, userID string) (*model.Profile, error) {
	f.cleared = true
	return &model.Profile{ID: userID}, f.err
}

func locationRouter(f *fakeLocations) *gin.Engine {
	r := gin.New()
	ctrl := NewLocationController(f)
	g := r.Group("/api", asUser("me"))
	g.PUT("/me/location", ctrl.UpdateLocation)
	g.DELETE("/me/location", ctrl.ClearLocation)
	return r
}

func TestUpdateLocation(t *testing.T) {
	f := &fakeLocations{}
	w, _ := do(locationRouter(f), http.MethodPut, "/api/me/location", gin.H{"latitude": 10.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, f.got)

	w, _ = do(locationRouter(f), http.MethodPut, "/api/me/location", gin.H{"latitude": 0, "longitude": 0})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, f.got)
	assert.Equal(t, geo.Coordinate{}, *f.got)

	w, _ = do(locationRouter(f), http.MethodDelete, "/api/me/location", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.cleared)
}

func TestUpdateLocationOutOfRange(t *testing.T) {
	f := &fakeLocations{err: util.Validation("service.UpdateLocation", util.ErrInvalidCoordinate)}
	w, resp := do(locationRouter(f), http.MethodPut, "/api/me/location", gin.H{"latitude": 95, "longitude": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, util.ErrInvalidCoordinate.Error(), resp.Message)
}

type fakeChat struct {
	thread   []model.Message
	sendErr  error
	gotLimit int
	gotThem  string
	sent     string
}

func (f *fakeChat) Thread(_ context.Context, me, them string, limit int) ([]model.Message, error) {
	f.gotThem, f.gotLimit = them, limit
	return f.thread, nil
}

func (f *fakeChat) Send(_ context.Context, me, them, content string) (model.Message, error) {
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.gotThem, f.sent = them, content
	return model.Message{ID: "m1", SenderID: me, ReceiverID: them, Content: content}, nil
}

func chatRouter(f *fakeChat) *gin.Engine {
	r := gin.New()
	ctrl := NewChatController(f)
	g := r.Group("/api", asUser("me"))
	g.GET("/chat/:friendId/messages", ctrl.GetMessages)
	g.POST("/chat/:friendId/messages", ctrl.SendMessage)
	return r
}

func TestGetMessagesLimit(t *testing.T) {
	f := &fakeChat{}
	w, _ := do(chatRouter(f), http.MethodGet, "/api/chat/bob/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", f.gotThem)
	assert.Equal(t, defaultThreadLimit, f.gotLimit)

	do(chatRouter(f), http.MethodGet, "/api/chat/bob/messages?limit=100000", nil)
	assert.Equal(t, maxThreadLimit, f.gotLimit)
}

func TestSendMessage(t *testing.T) {
	f := &fakeChat{}
	w, _ := do(chatRouter(f), http.MethodPost, "/api/chat/bob/messages", gin.H{"content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "hello", f.sent)

	w, _ = do(chatRouter(f), http.MethodPost, "/api/chat/bob/messages", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{util.Precondition("op", util.ErrNotFriends), http.StatusForbidden},
		{util.Validation("op", util.ErrRateLimited), http.StatusTooManyRequests},
		{util.Validation("op", util.ErrEmptyMessage), http.StatusBadRequest},
		{util.Store("op", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		w, _ := do(chatRouter(&fakeChat{sendErr: tc.err}), http.MethodPost, "/api/chat/bob/messages", gin.H{"content": "x"})
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestHealthCheck(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("no route") })

	r := gin.New()
	r.GET("/health", NewHealthController(map[string]Pinger{"database": up, "redis": up}).HealthCheck)
	w, _ := do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	r = gin.New()
	r.GET("/health", NewHealthController(map[string]Pinger{"database": up, "redis": down}).HealthCheck)
	w, resp := do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "down", data["components"].(map[string]interface{})["redis"])
}

type refusingChat struct{ served bool }

func (r *refusingChat) NewSession(context.Context, string, string) (*service.ChatSession, error) {
	return nil, util.Precondition("op", util.ErrNotFriends)
}

func (r *refusingChat) Serve(http.ResponseWriter, *http.Request, string) (*service.Client, error) {
	r.served = true
	return nil, errors.New("unexpected upgrade")
}

func TestChatSocketRefusesStrangersBeforeUpgrade(t *testing.T) {
	fake := &refusingChat{}
	ctrl := NewLiveController(fake, nil, fake)
	r := gin.New()
	r.GET("/api/ws/chat/:friendId", asUser("me"), ctrl.ChatSocket)

	w, _ := do(r, http.MethodGet, "/api/ws/chat/stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, fake.served)
}
