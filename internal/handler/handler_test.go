package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/sandbox"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	validator.Setup()
	os.Exit(m.Run())
}

// withClaims stands in for RequireJWT.
func withClaims(claims *service.Claims) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, claims)
		c.Next()
	}
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return env
}

// ─── Session handler ───────────────────────────────────────────────

type fakeSessionAPI struct {
	startErr error
	runReq   model.RunCodeRequest
	runErr   error
}

func (f *fakeSessionAPI) StartSession(_ context.Context, userID, orgID, testID uuid.UUID) (*model.TestSession, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &model.TestSession{
		ID:             uuid.New(),
		UserID:         userID,
		OrganizationID: orgID,
		TestID:         testID,
		AttemptNumber:  1,
		Status:         model.SessionStatusInProgress,
	}, nil
}

func (f *fakeSessionAPI) GetState(context.Context, uuid.UUID, uuid.UUID) (*service.SessionState, error) {
	return nil, apperr.ErrSessionNotFound
}

func (f *fakeSessionAPI) RunCode(_ context.Context, _, _ uuid.UUID, req model.RunCodeRequest) (*sandbox.RunResult, error) {
	f.runReq = req
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &sandbox.RunResult{VisiblePassed: 1, VisibleTotal: 1, HasHiddenTests: true}, nil
}

func sessionRouter(api SessionAPI) *gin.Engine {
	h := NewSessionHandler(api, zerolog.Nop())
	claims := &service.Claims{UserID: uuid.New(), OrganizationID: uuid.New(), Role: service.RoleStudent}
	r := gin.New()
	g := r.Group("/sessions", withClaims(claims))
	g.POST("", h.StartSession)
	g.GET("/:id", h.GetSession)
	g.POST("/:id/run", h.RunCode)
	return r
}

func TestStartSessionCreated(t *testing.T) {
	r := sessionRouter(&fakeSessionAPI{})
	w := doJSON(r, http.MethodPost, "/sessions", map[string]string{"test_id": uuid.NewString()})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		Session model.SessionView `json:"session"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Session.Status != model.SessionStatusInProgress {
		t.Fatalf("unexpected session view: %+v", data.Session)
	}
}

func TestStartSessionValidation(t *testing.T) {
	r := sessionRouter(&fakeSessionAPI{})
	w := doJSON(r, http.MethodPost, "/sessions", map[string]string{"test_id": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" || env.Error.Fields["test_id"] == "" {
		t.Fatalf("expected a test_id field error, got %s", w.Body.String())
	}
}

func TestStartSessionMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.ErrAttemptsExhausted, http.StatusForbidden, "ATTEMPTS_EXHAUSTED"},
		{apperr.ErrTestNotFound, http.StatusNotFound, "TEST_NOT_FOUND"},
		{apperr.New(apperr.KindInternal, "redis down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		r := sessionRouter(&fakeSessionAPI{startErr: tc.err})
		w := doJSON(r, http.MethodPost, "/sessions", map[string]string{"test_id": uuid.NewString()})
		env := decodeEnvelope(t, w)
		if w.Code != tc.status || env.Error == nil || env.Error.Code != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.status, tc.code, w.Code, w.Body.String())
		}
	}
}

func TestGetSessionHidesForeignSessions(t *testing.T) {
	r := sessionRouter(&fakeSessionAPI{})
	if w := doJSON(r, http.MethodGet, "/sessions/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad id, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodGet, "/sessions/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRunCode(t *testing.T) {
	api := &fakeSessionAPI{}
	r := sessionRouter(api)

	w := doJSON(r, http.MethodPost, "/sessions/"+uuid.NewString()+"/run", map[string]any{"question_index": 2, "code": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank code: expected 400, got %d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/sessions/"+uuid.NewString()+"/run", map[string]any{"question_index": 2, "code": "function f() {}"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if api.runReq.QuestionIndex != 2 {
		t.Fatalf("request not forwarded: %+v", api.runReq)
	}
	var res sandbox.RunResult
	_ = json.Unmarshal(decodeEnvelope(t, w).Data, &res)
	if !res.HasHiddenTests || res.VisibleTotal != 1 {
		t.Fatalf("unexpected run result: %+v", res)
	}

	api.runErr = apperr.ErrSessionNotActive
	w = doJSON(r, http.MethodPost, "/sessions/"+uuid.NewString()+"/run", map[string]any{"question_index": 0, "code": "x"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

// ─── Admin handler ─────────────────────────────────────────────────

type fakeTestStore struct {
	tests map[uuid.UUID]*model.Test
}

func (f *fakeTestStore) GetByID(_ context.Context, id uuid.UUID) (*model.Test, error) {
	t, ok := f.tests[id]
	if !ok {
		return nil, apperr.ErrTestNotFound
	}
	return t, nil
}

func (f *fakeTestStore) Save(_ context.Context, t *model.Test) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := t.Validate(); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, err.Error())
	}
	f.tests[t.ID] = t
	return nil
}

type fakeArchive struct {
	summaries []repository.SessionSummary
	records   map[uuid.UUID]*model.TestSession
}

func (f *fakeArchive) ListByTest(_ context.Context, _ uuid.UUID, limit, offset int) ([]repository.SessionSummary, error) {
	if offset >= len(f.summaries) {
		return nil, nil
	}
	return f.summaries[offset:min(offset+limit, len(f.summaries))], nil
}

func (f *fakeArchive) CountByTest(context.Context, uuid.UUID) (int, error) {
	return len(f.summaries), nil
}

func (f *fakeArchive) Get(_ context.Context, id uuid.UUID) (*model.TestSession, error) {
	s, ok := f.records[id]
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	return s, nil
}

type fakeOverrides struct {
	created []*repository.AttemptOverride
}

func (f *fakeOverrides) Create(_ context.Context, o *repository.AttemptOverride) error {
	o.ID = uuid.New()
	f.created = append(f.created, o)
	return nil
}

type fakeConnectivity map[uuid.UUID][]model.ConnectivityEvent

func (f fakeConnectivity) ListBySession(_ context.Context, id uuid.UUID) ([]model.ConnectivityEvent, error) {
	return f[id], nil
}

type adminFixture struct {
	router       *gin.Engine
	tests        *fakeTestStore
	archive      *fakeArchive
	overrides    *fakeOverrides
	connectivity fakeConnectivity
	orgID        uuid.UUID
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		tests:        &fakeTestStore{tests: map[uuid.UUID]*model.Test{}},
		archive:      &fakeArchive{records: map[uuid.UUID]*model.TestSession{}},
		overrides:    &fakeOverrides{},
		connectivity: fakeConnectivity{},
		orgID:        uuid.New(),
	}
	h := NewAdminHandler(f.tests, f.archive, f.archive, f.overrides, f.connectivity, zerolog.Nop())
	claims := &service.Claims{UserID: uuid.New(), OrganizationID: f.orgID, Role: service.RoleAdmin}

	r := gin.New()
	g := r.Group("/admin", withClaims(claims))
	g.PUT("/tests", h.SaveTest)
	g.GET("/tests/:id", h.GetTest)
	g.GET("/tests/:id/sessions", h.ListTestSessions)
	g.POST("/tests/:id/attempt-overrides", h.CreateAttemptOverride)
	g.GET("/sessions/:id", h.GetSessionRecord)
	g.GET("/sessions/:id/connectivity", h.GetSessionConnectivity)
	f.router = r
	return f
}

func sampleTest(orgID uuid.UUID) *model.Test {
	correct := true
	return &model.Test{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Title:          "Quiz",
		Questions: []model.Question{
			{ID: uuid.New(), Type: model.QuestionTypeTrueFalse, Points: 1, CorrectBool: &correct},
		},
	}
}

func TestSaveTestAssignsOrganization(t *testing.T) {
	f := newAdminFixture()
	def := sampleTest(uuid.New())
	def.ID = uuid.Nil

	w := doJSON(f.router, http.MethodPut, "/admin/tests", def)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.tests.tests) != 1 {
		t.Fatalf("test not saved")
	}
	for _, saved := range f.tests.tests {
		if saved.OrganizationID != f.orgID {
			t.Fatalf("organization not taken from the caller: %s", saved.OrganizationID)
		}
	}
}

func TestSaveTestRejectsForeignAndInvalid(t *testing.T) {
	f := newAdminFixture()
	foreign := sampleTest(uuid.New())
	f.tests.tests[foreign.ID] = foreign

	if w := doJSON(f.router, http.MethodPut, "/admin/tests", sampleTestWithID(foreign.ID, f.orgID)); w.Code != http.StatusForbidden {
		t.Fatalf("overwriting a foreign test: expected 403, got %d", w.Code)
	}

	empty := &model.Test{Title: "Empty"}
	w := doJSON(f.router, http.MethodPut, "/admin/tests", empty)
	env := decodeEnvelope(t, w)
	if w.Code != http.StatusBadRequest || env.Error == nil || env.Error.Fields["detail"] == "" {
		t.Fatalf("invalid test: expected 400 with detail, got %d %s", w.Code, w.Body.String())
	}
}

func sampleTestWithID(id, orgID uuid.UUID) *model.Test {
	t := sampleTest(orgID)
	t.ID = id
	return t
}

func TestGetTestScopedToOrganization(t *testing.T) {
	f := newAdminFixture()
	own := sampleTest(f.orgID)
	foreign := sampleTest(uuid.New())
	f.tests.tests[own.ID] = own
	f.tests.tests[foreign.ID] = foreign

	if w := doJSON(f.router, http.MethodGet, "/admin/tests/"+own.ID.String(), nil); w.Code != http.StatusOK {
		t.Fatalf("own test: expected 200, got %d", w.Code)
	}
	if w := doJSON(f.router, http.MethodGet, "/admin/tests/"+foreign.ID.String(), nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign test: expected 404, got %d", w.Code)
	}
}

func TestListTestSessionsPaginates(t *testing.T) {
	f := newAdminFixture()
	own := sampleTest(f.orgID)
	f.tests.tests[own.ID] = own
	for i := range 5 {
		f.archive.summaries = append(f.archive.summaries, repository.SessionSummary{
			ID: uuid.New(), UserID: uuid.New(), AttemptNumber: i + 1, Status: model.SessionStatusCompleted,
		})
	}

	w := doJSON(f.router, http.MethodGet, "/admin/tests/"+own.ID.String()+"/sessions?page=2&per_page=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Data struct {
			Sessions []repository.SessionSummary `json:"sessions"`
		} `json:"data"`
		Pagination struct {
			TotalItems int `json:"total_items"`
			TotalPages int `json:"total_pages"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Sessions) != 2 || body.Data.Sessions[0].AttemptNumber != 3 {
		t.Fatalf("unexpected page: %+v", body.Data.Sessions)
	}
	if body.Pagination.TotalItems != 5 || body.Pagination.TotalPages != 3 {
		t.Fatalf("unexpected pagination: %+v", body.Pagination)
	}
}

func TestGetSessionRecordScopedToOrganization(t *testing.T) {
	f := newAdminFixture()
	own := &model.TestSession{ID: uuid.New(), OrganizationID: f.orgID, Status: model.SessionStatusCompleted}
	foreign := &model.TestSession{ID: uuid.New(), OrganizationID: uuid.New()}
	f.archive.records[own.ID] = own
	f.archive.records[foreign.ID] = foreign

	if w := doJSON(f.router, http.MethodGet, "/admin/sessions/"+own.ID.String(), nil); w.Code != http.StatusOK {
		t.Fatalf("own session: expected 200, got %d", w.Code)
	}
	if w := doJSON(f.router, http.MethodGet, "/admin/sessions/"+foreign.ID.String(), nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign session: expected 404, got %d", w.Code)
	}
}

func TestGetSessionConnectivity(t *testing.T) {
	f := newAdminFixture()
	own := &model.TestSession{ID: uuid.New(), OrganizationID: f.orgID}
	foreign := &model.TestSession{ID: uuid.New(), OrganizationID: uuid.New()}
	f.archive.records[own.ID] = own
	f.archive.records[foreign.ID] = foreign
	f.connectivity[own.ID] = []model.ConnectivityEvent{
		{SessionID: own.ID, Kind: model.ConnectivityDisconnected, Reason: "offline"},
		{SessionID: own.ID, Kind: model.ConnectivityReconnected, Reason: "offline", OfflineMs: 4000},
	}

	w := doJSON(f.router, http.MethodGet, "/admin/sessions/"+own.ID.String()+"/connectivity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Events []model.ConnectivityEvent `json:"events"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 || body.Events[1].OfflineMs != 4000 {
		t.Fatalf("unexpected history: %+v", body.Events)
	}

	w = doJSON(f.router, http.MethodGet, "/admin/sessions/"+foreign.ID.String()+"/connectivity", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign session: expected 404, got %d", w.Code)
	}
}

func TestCreateAttemptOverride(t *testing.T) {
	f := newAdminFixture()
	own := sampleTest(f.orgID)
	f.tests.tests[own.ID] = own
	path := "/admin/tests/" + own.ID.String() + "/attempt-overrides"

	past := time.Now().Add(-time.Hour)
	w := doJSON(f.router, http.MethodPost, path, map[string]any{"user_id": uuid.NewString(), "extra_attempts": 1, "expires_at": past})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("past expiry: expected 400, got %d", w.Code)
	}

	user := uuid.New()
	w = doJSON(f.router, http.MethodPost, path, map[string]any{"user_id": user.String(), "extra_attempts": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.overrides.created) != 1 {
		t.Fatal("override not created")
	}
	o := f.overrides.created[0]
	if o.UserID != user || o.TestID != own.ID || o.ExtraAttempts != 2 {
		t.Fatalf("unexpected override: %+v", o)
	}
}
