package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/database"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/server"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/users"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "collab-auth"
	ownerSessionUserID   = "google:user-abc"
	ownerCanonicalID     = "user-abc"
	editorSessionUserID  = "user-def"
	integrationDocument  = "doc-1"
	integrationOrg       = "org-1"
	jsonContentType      = "application/json"
)

type integrationClient struct {
	testContext *testing.T
	baseURL     string
	cookie      *http.Cookie
}

func (client integrationClient) call(method, path string, body any, target any) int {
	client.testContext.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(client.testContext, err)
		payload = encoded
	}
	request, err := http.NewRequest(method, client.baseURL+path, bytes.NewReader(payload))
	require.NoError(client.testContext, err)
	request.AddCookie(client.cookie)
	request.Header.Set("Content-Type", jsonContentType)

	response, err := http.DefaultClient.Do(request)
	require.NoError(client.testContext, err)
	defer response.Body.Close()
	if target != nil {
		require.NoError(client.testContext, json.NewDecoder(response.Body).Decode(target))
	}
	return response.StatusCode
}

func TestAuthSyncAndAwarenessFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.DriverSQLite, filepath.Join(testContext.TempDir(), "collab.db"), zap.NewNop())
	require.NoError(testContext, err)
	sqlDB, err := db.DB()
	require.NoError(testContext, err)
	defer sqlDB.Close()

	require.NoError(testContext, db.Create(&documents.Document{
		DocumentID:     integrationDocument,
		CreatedBy:      ownerCanonicalID,
		OrganizationID: integrationOrg,
	}).Error)
	require.NoError(testContext, db.Create(&documents.OrganizationMember{
		OrganizationID: integrationOrg,
		UserID:         editorSessionUserID,
		Role:           string(documents.RoleEditor),
	}).Error)

	redisServer := miniredis.RunT(testContext)
	presence, err := collab.NewRedisPresenceStore("redis://" + redisServer.Addr())
	require.NoError(testContext, err)
	defer presence.Close()

	gate, err := documents.NewGate(db)
	require.NoError(testContext, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(testContext, err)
	realtime := server.NewRealtimeDispatcher()
	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:            db,
		Access:              gate,
		Presence:            presence,
		Profiles:            userService,
		Notifier:            realtime,
		Logger:              zap.NewNop(),
		CompactionThreshold: 3,
	})
	require.NoError(testContext, err)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	require.NoError(testContext, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessionValidator,
		Users:         userService,
		CollabService: collabService,
		Realtime:      realtime,
		Logger:        zap.NewNop(),
	})
	require.NoError(testContext, err)

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	now := time.Now()
	owner := integrationClient{
		testContext: testContext,
		baseURL:     testServer.URL,
		cookie:      &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, ownerSessionUserID, "Ada", now)},
	}
	editor := integrationClient{
		testContext: testContext,
		baseURL:     testServer.URL,
		cookie:      &http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, editorSessionUserID, "Grace", now)},
	}
	documentPath := "/documents/" + integrationDocument

	type applyResponse struct {
		Version             int64    `json:"version"`
		Conflict            bool     `json:"conflict"`
		Updates             []string `json:"updates"`
		CompactionSuggested bool     `json:"compaction_suggested"`
	}

	var ownerApply applyResponse
	status := owner.call(http.MethodPost, documentPath+"/sync/updates",
		map[string]any{"updates": []string{"owner-1"}, "client_version": 0}, &ownerApply)
	require.Equal(testContext, http.StatusOK, status)
	require.False(testContext, ownerApply.Conflict)
	require.Equal(testContext, int64(1), ownerApply.Version)

	var editorApply applyResponse
	status = editor.call(http.MethodPost, documentPath+"/sync/updates",
		map[string]any{"updates": []string{"editor-1"}, "client_version": 0}, &editorApply)
	require.Equal(testContext, http.StatusOK, status)
	require.True(testContext, editorApply.Conflict)
	require.Equal(testContext, []string{"owner-1"}, editorApply.Updates)

	status = editor.call(http.MethodPost, documentPath+"/sync/updates",
		map[string]any{"updates": []string{"editor-1", "editor-2"}, "client_version": editorApply.Version}, &editorApply)
	require.Equal(testContext, http.StatusOK, status)
	require.False(testContext, editorApply.Conflict)
	require.Equal(testContext, int64(2), editorApply.Version)
	require.True(testContext, editorApply.CompactionSuggested)

	var state struct {
		StateVector *string  `json:"state_vector"`
		Updates     []string `json:"updates"`
		Version     int64    `json:"version"`
	}
	require.Equal(testContext, http.StatusOK, owner.call(http.MethodGet, documentPath+"/sync", nil, &state))
	require.Equal(testContext, []string{"owner-1", "editor-1", "editor-2"}, state.Updates)
	require.Equal(testContext, int64(2), state.Version)

	var compacted struct {
		Success bool   `json:"success"`
		Version int64  `json:"version"`
		Reason  string `json:"reason"`
	}
	stale := int64(1)
	owner.call(http.MethodPost, documentPath+"/sync/compact",
		map[string]any{"merged_update": "merged", "new_state_vector": "sv", "expected_version": stale}, &compacted)
	require.False(testContext, compacted.Success)
	require.Equal(testContext, collab.ReasonVersionMismatch, compacted.Reason)

	owner.call(http.MethodPost, documentPath+"/sync/compact",
		map[string]any{"merged_update": "merged", "new_state_vector": "sv", "expected_version": state.Version}, &compacted)
	require.True(testContext, compacted.Success)
	require.Equal(testContext, int64(3), compacted.Version)

	require.Equal(testContext, http.StatusOK, owner.call(http.MethodPut, documentPath+"/awareness",
		map[string]any{"client_id": 11, "awareness_data": `{"cursor":1}`}, nil))
	require.Equal(testContext, http.StatusOK, editor.call(http.MethodPut, documentPath+"/awareness",
		map[string]any{"client_id": 22, "awareness_data": `{"cursor":9}`}, nil))

	var awareness struct {
		Entries []struct {
			UserID        string `json:"user_id"`
			ClientID      int64  `json:"client_id"`
			UserName      string `json:"user_name"`
			IsCurrentUser bool   `json:"is_current_user"`
		} `json:"entries"`
	}
	require.Equal(testContext, http.StatusOK, editor.call(http.MethodGet, documentPath+"/awareness", nil, &awareness))
	require.Len(testContext, awareness.Entries, 2)
	require.Equal(testContext, ownerCanonicalID, awareness.Entries[0].UserID)
	require.Equal(testContext, "Ada", awareness.Entries[0].UserName)
	require.False(testContext, awareness.Entries[0].IsCurrentUser)
	require.Equal(testContext, "Grace", awareness.Entries[1].UserName)
	require.True(testContext, awareness.Entries[1].IsCurrentUser)

	require.Equal(testContext, http.StatusOK, owner.call(http.MethodDelete, documentPath+"/awareness", nil, nil))
	require.Equal(testContext, http.StatusOK, editor.call(http.MethodGet, documentPath+"/awareness", nil, &awareness))
	require.Len(testContext, awareness.Entries, 1)
	require.Equal(testContext, int64(22), awareness.Entries[0].ClientID)
}

func mustMintSessionToken(testContext *testing.T, userID, displayName string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	require.NoError(testContext, err)
	return signed
}
