package router_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/observer"
	"github.com/watchmark/watchmark/internal/router"
)

// echoHandler answers get_video_state with a canned result and treats
// everything else as a fire-and-forget event.
type echoHandler struct {
	events chan *models.Message
}

func (h *echoHandler) HandleMessage(conn *router.Conn, msg *models.Message) (*models.Message, error) {
	switch msg.Type {
	case models.MsgGetVideoState:
		return models.NewMessage(models.MsgResult, &models.VideoStateResult{
			Bookmark: &models.Bookmark{ID: "vid-1", Title: "Canned"},
		})
	case models.MsgInitiateDelete:
		return nil, models.ErrNotFound
	default:
		select {
		case h.events <- msg:
		default:
		}
		return nil, nil
	}
}

func startHub(t *testing.T) (*router.Hub, *echoHandler, string) {
	t.Helper()
	handler := &echoHandler{events: make(chan *models.Message, 10)}
	hub := router.NewHub(handler, events.NewNopLogger(), metrics.NewCollector())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, handler, srv.URL
}

func connect(t *testing.T, url string, tabID int) *observer.Client {
	t.Helper()
	client := observer.NewClient(url, tabID, events.NewNopLogger())
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHubRequestResponse(t *testing.T) {
	_, _, url := startHub(t)
	client := connect(t, url, 1)

	msg, err := models.NewMessage(models.MsgGetVideoState,
		&models.GetVideoStateData{VideoID: "vid-1"})
	require.NoError(t, err)

	reply, err := client.Request(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, models.MsgResult, reply.Type)

	var state models.VideoStateResult
	require.NoError(t, json.Unmarshal(reply.Data, &state))
	require.NotNil(t, state.Bookmark)
	assert.Equal(t, "Canned", state.Bookmark.Title)
}

func TestHubErrorReplyCarriesCode(t *testing.T) {
	_, _, url := startHub(t)
	client := connect(t, url, 1)

	msg, err := models.NewMessage(models.MsgInitiateDelete,
		&models.DeleteData{VideoID: "gone"})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.ErrCodeNotFound)
}

func TestHubEventsGetNoReply(t *testing.T) {
	_, handler, url := startHub(t)
	client := connect(t, url, 3)

	msg, err := models.NewMessage(models.MsgTimestampUpdate,
		&models.TimestampUpdateData{VideoID: "vid-1", Timestamp: 5})
	require.NoError(t, err)
	require.NoError(t, client.Send(msg))

	select {
	case received := <-handler.events:
		assert.Equal(t, models.MsgTimestampUpdate, received.Type)
		assert.Equal(t, 3, received.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the handler")
	}
}

func TestHubBroadcastReachesAllObservers(t *testing.T) {
	hub, _, url := startHub(t)
	first := connect(t, url, 1)
	second := connect(t, url, 2)

	require.Eventually(t, func() bool { return hub.ConnCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	msg, err := models.NewMessage(models.MsgConfirmDelete,
		&models.DeleteData{VideoID: "vid-1"})
	require.NoError(t, err)
	hub.Broadcast(msg)

	for _, client := range []*observer.Client{first, second} {
		select {
		case got := <-client.Messages():
			assert.Equal(t, models.MsgConfirmDelete, got.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
}

func TestHubClosedRefusesUpgrade(t *testing.T) {
	hub, _, url := startHub(t)
	require.NoError(t, hub.Close())

	client := observer.NewClient(url, 1, events.NewNopLogger())
	assert.Error(t, client.Connect(context.Background()))
}
