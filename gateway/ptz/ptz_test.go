package ptz

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"homecam-bridge/backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	path     string
	rawQuery string
	user     string
	pass     string
}

func newCameraServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		reqs = append(reqs, recordedRequest{
			path:     r.URL.Path,
			rawQuery: r.URL.RawQuery,
			user:     user,
			pass:     pass,
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func testCamera(srv *httptest.Server) *models.Camera {
	ip := strings.TrimPrefix(srv.URL, "http://")
	return &models.Camera{
		ID:       "axis-test",
		IP:       ip,
		Username: "root",
		Password: "pass",
	}
}

func TestExecutePanLeft(t *testing.T) {
	srv, reqs := newCameraServer(t, http.StatusOK)
	cam := testCamera(srv)

	require.NoError(t, NewController().Execute(cam, models.PTZPanLeft, 0.5))

	require.Len(t, *reqs, 1)
	got := (*reqs)[0]
	assert.Equal(t, "/axis-cgi/com/ptz.cgi", got.path)
	assert.Equal(t, "continuouspantiltmove=-0.50,0.00&continuouszoommove=0.00", got.rawQuery)
	assert.Equal(t, "root", got.user)
	assert.Equal(t, "pass", got.pass)
}

func TestExecuteAxisMapping(t *testing.T) {
	cases := []struct {
		action string
		speed  float64
		query  string
	}{
		{models.PTZPanRight, 0.5, "continuouspantiltmove=0.50,0.00&continuouszoommove=0.00"},
		{models.PTZTiltUp, 0.5, "continuouspantiltmove=0.00,0.50&continuouszoommove=0.00"},
		{models.PTZTiltDown, 1, "continuouspantiltmove=0.00,-1.00&continuouszoommove=0.00"},
		{models.PTZZoomIn, 0.25, "continuouspantiltmove=0.00,0.00&continuouszoommove=0.25"},
		{models.PTZZoomOut, 0.25, "continuouspantiltmove=0.00,0.00&continuouszoommove=-0.25"},
	}

	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			srv, reqs := newCameraServer(t, http.StatusOK)
			require.NoError(t, NewController().Execute(testCamera(srv), tc.action, tc.speed))
			require.Len(t, *reqs, 1)
			assert.Equal(t, tc.query, (*reqs)[0].rawQuery)
		})
	}
}

func TestExecuteStopZeroesEveryAxis(t *testing.T) {
	srv, reqs := newCameraServer(t, http.StatusOK)

	require.NoError(t, NewController().Execute(testCamera(srv), models.PTZStop, 0.9))

	require.Len(t, *reqs, 1)
	assert.Equal(t, "continuouspantiltmove=0.00,0.00&continuouszoommove=0.00", (*reqs)[0].rawQuery)
}

func TestExecuteDefaultsSpeed(t *testing.T) {
	srv, reqs := newCameraServer(t, http.StatusOK)

	require.NoError(t, NewController().Execute(testCamera(srv), models.PTZPanRight, 0))

	require.Len(t, *reqs, 1)
	assert.Equal(t, "continuouspantiltmove=0.50,0.00&continuouszoommove=0.00", (*reqs)[0].rawQuery)
}

func TestExecuteIgnoresUnknownAction(t *testing.T) {
	srv, reqs := newCameraServer(t, http.StatusOK)

	require.NoError(t, NewController().Execute(testCamera(srv), "warp_drive", 0.5))

	assert.Empty(t, *reqs, "unknown actions never reach the camera")
}

func TestExecuteToleratesCameraRejection(t *testing.T) {
	srv, _ := newCameraServer(t, http.StatusUnauthorized)

	// Best effort: a rejection is logged, not returned.
	assert.NoError(t, NewController().Execute(testCamera(srv), models.PTZPanLeft, 0.5))
}

func TestHasPTZ(t *testing.T) {
	srv, reqs := newCameraServer(t, http.StatusOK)
	assert.True(t, NewController().HasPTZ(testCamera(srv)))
	require.Len(t, *reqs, 1)
	assert.Equal(t, "/axis-cgi/param.cgi", (*reqs)[0].path)
	assert.Equal(t, "action=list&group=PTZ", (*reqs)[0].rawQuery)

	srvNo, _ := newCameraServer(t, http.StatusNotFound)
	assert.False(t, NewController().HasPTZ(testCamera(srvNo)))
}
