package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/httputil"
)

func errorTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RequestID(), ErrorHandler())
	return engine
}

func doRequest(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	engine.ServeHTTP(w, req)
	return w
}

func TestErrorHandlerMapsPushedErrors(t *testing.T) {
	engine := errorTestEngine()
	engine.GET("/missing", func(c *gin.Context) {
		c.Error(apperrors.NotFound("appointment", nil))
	})
	engine.GET("/taken", func(c *gin.Context) {
		c.Error(apperrors.Conflict("slot is not available", nil))
	})

	w := doRequest(engine, "/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp httputil.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.ErrNotFound), resp.Error.Code)

	w = doRequest(engine, "/taken")
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(apperrors.ErrConflict), resp.Error.Code)
}

func TestErrorHandlerLeavesWrittenResponsesAlone(t *testing.T) {
	engine := errorTestEngine()
	engine.GET("/written", func(c *gin.Context) {
		httputil.RespondWithSuccess(c, gin.H{"ok": true})
		c.Error(apperrors.Internal(nil))
	})

	w := doRequest(engine, "/written")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp httputil.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
}

func TestErrorHandlerPassesCleanRequests(t *testing.T) {
	engine := errorTestEngine()
	engine.GET("/ok", func(c *gin.Context) {
		httputil.RespondWithSuccess(c, gin.H{"ok": true})
	})

	w := doRequest(engine, "/ok")
	assert.Equal(t, http.StatusOK, w.Code)
}
