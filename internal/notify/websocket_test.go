package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kimchiwatch/internal/model"
)

func wsServer(t *testing.T, d *Dispatcher, userID string) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		NewWSSession(conn, userID, testNotifyConfig(), nil).Serve(d)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSSession_ReceivesBroadcastAndUnregisters(t *testing.T) {
	d := newDispatcher(fixedClock)
	server := wsServer(t, d, "alice")
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.SendToUser("alice", priceAlert("alice")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string           `json:"type"`
		Data model.PriceAlert `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, model.EventPriceAlert, msg.Type)
	assert.Equal(t, "alice", msg.Data.UserID)
	assert.Equal(t, "BTC", msg.Data.CoinID)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return d.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSSession_CloseSendsCloseFrame(t *testing.T) {
	d := newDispatcher(fixedClock)
	server := wsServer(t, d, "")
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return d.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	d.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSSession_SendAfterClose(t *testing.T) {
	s := NewWSSession(nil, "", testNotifyConfig(), nil)
	require.NoError(t, s.Send([]byte("x")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send([]byte("y")), ErrSessionClosed)
}

func TestWSSession_FullBufferFails(t *testing.T) {
	s := NewWSSession(nil, "", testNotifyConfig(), nil)
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, s.Send([]byte("x")))
	}
	assert.ErrorIs(t, s.Send([]byte("x")), ErrSendBufferFull)
}
