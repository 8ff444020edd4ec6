package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

type fakeConnector struct {
	conn  *sync.Connection
	err   error
	codes []string
}

func (f *fakeConnector) AuthorizationURL(state string) string {
	return "https://login.example/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeConnector) Complete(_ context.Context, code string) (*sync.Connection, error) {
	f.codes = append(f.codes, code)
	return f.conn, f.err
}

type fakeSyncer struct {
	result sync.SyncResult
	err    error
	batch  sync.BatchResult
	ids    []string
}

func (f *fakeSyncer) SyncConnection(_ context.Context, id string) (sync.SyncResult, error) {
	f.ids = append(f.ids, id)
	return f.result, f.err
}

func (f *fakeSyncer) SyncAllConnections(context.Context) (sync.BatchResult, error) {
	return f.batch, nil
}

type fakeConnections struct {
	conns []*sync.Connection
	flags sync.ConnectionFlags
}

func (f *fakeConnections) ListConnections(context.Context) ([]*sync.Connection, error) {
	return f.conns, nil
}

func (f *fakeConnections) SetConnectionFlags(_ context.Context, id string, flags sync.ConnectionFlags) (*sync.Connection, error) {
	f.flags = flags
	for _, c := range f.conns {
		if c.ID == id {
			if flags.IsActive != nil {
				c.IsActive = *flags.IsActive
			}
			if flags.SyncEnabled != nil {
				c.SyncEnabled = *flags.SyncEnabled
			}
			return c, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func testConnection() *sync.Connection {
	return &sync.Connection{
		ID:          "c1",
		Identity:    "recruiter@agency.example",
		Token:       auth.TokenState{AccessToken: "secret-access", RefreshToken: "secret-refresh", ExpiresAt: time.Now().Add(time.Hour)},
		IsActive:    true,
		SyncEnabled: true,
	}
}

func newTestServer(connector *fakeConnector, syncer *fakeSyncer, conns *fakeConnections, opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewServer(connector, syncer, conns, zerolog.Nop(), opts...).Router()
}

func do(r http.Handler, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestConnectFlow(t *testing.T) {
	connector := &fakeConnector{conn: testConnection()}
	r := newTestServer(connector, &fakeSyncer{}, &fakeConnections{})

	rec := do(r, http.MethodGet, "/connections/authorize", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != stateCookie || cookies[0].Value == "" {
		t.Fatalf("state cookie = %+v", cookies)
	}
	state := cookies[0].Value
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "state="+state) {
		t.Errorf("location = %q, want state %s", loc, state)
	}

	tests := []struct {
		name       string
		query      string
		cookie     *http.Cookie
		wantStatus int
		wantCode   string
	}{
		{"consent denied", "error=access_denied&error_description=user+declined", nil, http.StatusBadRequest, apperr.CodeAuthFailed},
		{"missing cookie", "code=abc&state=" + state, nil, http.StatusBadRequest, apperr.CodeInvalidOAuthState},
		{"state mismatch", "code=abc&state=other", cookies[0], http.StatusBadRequest, apperr.CodeInvalidOAuthState},
		{"success", "code=abc&state=" + state, cookies[0], http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cs []*http.Cookie
			if tt.cookie != nil {
				cs = append(cs, tt.cookie)
			}
			rec := do(r, http.MethodGet, "/connections/callback?"+tt.query, "", cs...)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := errorCode(t, rec); got != tt.wantCode {
					t.Errorf("code = %s, want %s", got, tt.wantCode)
				}
				return
			}
			if strings.Contains(rec.Body.String(), "secret-") {
				t.Errorf("tokens leaked in response: %s", rec.Body.String())
			}
		})
	}

	if len(connector.codes) != 1 || connector.codes[0] != "abc" {
		t.Errorf("completed codes = %v, want [abc]", connector.codes)
	}
}

func TestCallbackExchangeRejected(t *testing.T) {
	connector := &fakeConnector{err: &apperr.AuthError{Op: "exchange", Status: 400, Code: "invalid_grant"}}
	r := newTestServer(connector, &fakeSyncer{}, &fakeConnections{})

	state := &http.Cookie{Name: stateCookie, Value: "s1"}
	rec := do(r, http.MethodGet, "/connections/callback?code=bad&state=s1", "", state)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := errorCode(t, rec); got != apperr.CodeAuthFailed {
		t.Errorf("code = %s", got)
	}
}

func TestSyncConnectionEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		result     sync.SyncResult
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "success",
			result:     sync.SyncResult{ConnectionID: "c1", Created: 2, Folders: []sync.FolderResult{{Folder: "inbox", Fetched: 2, Created: 2}}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "ineligible",
			err:        &apperr.IneligibleConnectionError{ConnectionID: "c1", IsActive: true},
			wantStatus: http.StatusConflict,
			wantCode:   apperr.CodeIneligible,
		},
		{
			name:       "in progress",
			err:        apperr.ErrSyncInProgress,
			wantStatus: http.StatusConflict,
			wantCode:   apperr.CodeSyncInProgress,
		},
		{
			name:       "not found",
			err:        apperr.Store("get connection", apperr.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   apperr.CodeNotFound,
		},
		{
			name: "partial provider failure",
			result: sync.SyncResult{ConnectionID: "c1", Created: 1, Partial: true, Folders: []sync.FolderResult{
				{Folder: "inbox", Created: 1},
				{Folder: "sentitems", Err: errors.New("boom")},
			}},
			err:        &apperr.ProviderError{Op: "list_messages", Status: 500},
			wantStatus: http.StatusBadGateway,
			wantCode:   apperr.CodeProviderError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{result: tt.result, err: tt.err}
			r := newTestServer(&fakeConnector{}, syncer, &fakeConnections{})

			rec := do(r, http.MethodPost, "/connections/c1/sync", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := errorCode(t, rec); got != tt.wantCode {
					t.Errorf("code = %s, want %s", got, tt.wantCode)
				}
			}
			if len(syncer.ids) != 1 || syncer.ids[0] != "c1" {
				t.Errorf("synced ids = %v", syncer.ids)
			}
		})
	}
}

func TestSyncAllEndpoint(t *testing.T) {
	syncer := &fakeSyncer{batch: sync.BatchResult{
		TotalCreated: 3,
		Connections:  []sync.SyncResult{{ConnectionID: "c1", Created: 1}, {ConnectionID: "c2"}, {ConnectionID: "c3", Created: 2}},
		Errors: []sync.ConnectionError{
			{ConnectionID: "c2", Identity: "two@agency.example", Err: &apperr.AuthError{Op: "refresh", Code: "invalid_grant"}},
		},
	}}
	r := newTestServer(&fakeConnector{}, syncer, &fakeConnections{})

	rec := do(r, http.MethodPost, "/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body batchView
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalCreated != 3 || len(body.Connections) != 3 {
		t.Errorf("batch = %+v", body)
	}
	if len(body.Errors) != 1 || body.Errors[0].Code != apperr.CodeAuthFailed || body.Errors[0].Identity != "two@agency.example" {
		t.Errorf("errors = %+v", body.Errors)
	}
}

func TestUpdateConnection(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		body       string
		wantStatus int
	}{
		{"disable sync", "c1", `{"sync_enabled": false}`, http.StatusOK},
		{"empty patch", "c1", `{}`, http.StatusBadRequest},
		{"malformed", "c1", `{"is_active": "yes"}`, http.StatusBadRequest},
		{"unknown connection", "nope", `{"is_active": false}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns := &fakeConnections{conns: []*sync.Connection{testConnection()}}
			r := newTestServer(&fakeConnector{}, &fakeSyncer{}, conns)

			rec := do(r, http.MethodPatch, "/connections/"+tt.id, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && conns.conns[0].SyncEnabled {
				t.Error("sync_enabled not applied")
			}
		})
	}
}

func TestOperatorEndpointsRequireAuth(t *testing.T) {
	deny := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(apperr.CodeUnauthorized, "missing bearer token"))
	}
	conns := &fakeConnections{conns: []*sync.Connection{testConnection()}}
	r := newTestServer(&fakeConnector{}, &fakeSyncer{}, conns, WithAuth(deny))

	for _, target := range []struct{ method, path string }{
		{http.MethodGet, "/connections"},
		{http.MethodPost, "/sync"},
		{http.MethodPost, "/connections/c1/sync"},
	} {
		if rec := do(r, target.method, target.path, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", target.method, target.path, rec.Code)
		}
	}

	if rec := do(r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/connections/authorize", ""); rec.Code != http.StatusFound {
		t.Errorf("authorize = %d, want 302", rec.Code)
	}
}

func TestListConnectionsHidesTokens(t *testing.T) {
	conns := &fakeConnections{conns: []*sync.Connection{testConnection()}}
	r := newTestServer(&fakeConnector{}, &fakeSyncer{}, conns)

	rec := do(r, http.MethodGet, "/connections", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-") {
		t.Errorf("tokens leaked: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"identity":"recruiter@agency.example"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
