package sessions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/metacog-lab/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func readEvent(t *testing.T, conn *websocket.Conn) models.LiveEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev models.LiveEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestLiveStreamsTrialsUntilFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, svc := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	sess := startSession(t, r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/admin/sessions/" + sess.ID + "/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, models.EventSubscribed, ev.Type)
	assert.Equal(t, sess.ID, ev.SessionID)
	require.Equal(t, 1, svc.Hub().Subscribers(sess.ID))

	_, err = svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{Condition: "easy", Correct: boolPtr(true)})
	require.NoError(t, err)

	ev = readEvent(t, conn)
	assert.Equal(t, models.EventTrial, ev.Type)
	require.NotNil(t, ev.Trial)
	assert.Equal(t, 1, ev.Trial.TrialNumber)
	assert.Equal(t, 38, ev.Trial.NextValue)

	_, err = svc.FinishSession(ctx, sess.ID)
	require.NoError(t, err)

	ev = readEvent(t, conn)
	assert.Equal(t, models.EventFinished, ev.Type)
	require.NotNil(t, ev.Summary)
	assert.Equal(t, 1, ev.Summary.Easy.TotalTrials)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestLiveRejectsUnknownSession(t *testing.T) {
	r, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/admin/sessions/" + uuid.NewString() + "/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
