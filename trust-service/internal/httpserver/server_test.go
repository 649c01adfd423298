package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/auth"
	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/testutil"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

const testBotToken = "123456:TEST"

type testEnv struct {
	mem      *testutil.MemoryStore
	sessions *auth.Sessions
	creds    *service.CredentialService
	rec      *audit.MemoryRecorder
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := testutil.NewMemoryStore()
	rec := &audit.MemoryRecorder{}
	m := metrics.New()
	sessions, err := auth.NewSessions("test-secret", time.Hour)
	require.NoError(t, err)
	engine, err := trust.NewEngine(trust.DefaultPolicy(trust.DefaultThresholds()))
	require.NoError(t, err)

	creds := service.NewCredentialService(
		mem,
		credential.NewTokenIssuer(store.NewMemoryTokenStore(), 0),
		credential.NewKeyManager(credential.DefaultKeyScheme),
		sessions, rec, m,
		service.CredentialConfig{BotToken: testBotToken},
	)
	srv := New(Deps{
		Store:        mem,
		Trust:        service.NewTrustService(mem, engine, rec, m),
		Credentials:  creds,
		Affiliations: service.NewAffiliationService(mem, rec),
		Sessions:     sessions,
		Metrics:      m,
	})
	return &testEnv{mem: mem, sessions: sessions, creds: creds, rec: rec, router: srv.Router()}
}

func (e *testEnv) bearer(t *testing.T, subject uuid.UUID, role string) map[string]string {
	t.Helper()
	tok, err := e.sessions.Issue(subject, role, 1)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "up", decodeBody(t, rr)["db"])

	rr = e.do(http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestTelegramTokenLogin(t *testing.T) {
	e := newTestEnv(t)
	w := e.mem.AddWorker(models.Worker{TelegramID: 4242, FullName: "Wanjiru"})

	rr := e.do(http.MethodPost, "/api/telegram/generate-token/", `{"telegram_id":"4242"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	tok := decodeBody(t, rr)
	assert.EqualValues(t, 300, tok["expires_in"])

	body := map[string]string{"token": tok["token"].(string)}
	rr = e.do(http.MethodPost, "/api/telegram/auth/", body, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody(t, rr)
	assert.Equal(t, "Bearer", res["token_type"])
	user := res["user"].(map[string]interface{})
	assert.Equal(t, w.ID.String(), user["id"])
	assert.Equal(t, models.RoleWorker, user["role"])

	// A token is consumed on first use.
	rr = e.do(http.MethodPost, "/api/telegram/auth/", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestTelegramAuthRequiresInput(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodPost, "/api/telegram/auth/", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(http.MethodPost, "/api/telegram/generate-token/", `{"telegram_id":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(http.MethodPost, "/api/telegram/generate-token/", `{"telegram_id":1,"extra":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func signedInitData(telegramID int64, authDate time.Time) string {
	fields := map[string]string{
		"auth_date": strconv.FormatInt(authDate.Unix(), 10),
		"query_id":  "AAE",
		"user":      fmt.Sprintf(`{"id":%d,"first_name":"Otieno"}`, telegramID),
	}
	fields["hash"] = credential.SignWebAppPayload(fields, testBotToken)
	q := url.Values{}
	for k, v := range fields {
		q.Set(k, v)
	}
	return q.Encode()
}

func TestWebAppValidation(t *testing.T) {
	e := newTestEnv(t)
	e.mem.AddSupervisor(models.Supervisor{TelegramID: 55, FullName: "Otieno"})
	initData := signedInitData(55, time.Now())

	rr := e.do(http.MethodPost, "/api/telegram/validate-webapp/", map[string]string{"init_data": initData}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decodeBody(t, rr)["valid"])

	rr = e.do(http.MethodPost, "/api/telegram/auth/", map[string]string{"init_data": initData}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	user := decodeBody(t, rr)["user"].(map[string]interface{})
	assert.Equal(t, models.RoleSupervisor, user["role"])

	tampered := initData + "&extra=1"
	rr = e.do(http.MethodPost, "/api/telegram/validate-webapp/", map[string]string{"init_data": tampered}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["valid"])

	rr = e.do(http.MethodPost, "/api/telegram/auth/", map[string]string{"init_data": tampered}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTrustEndpointsRequireSupervisor(t *testing.T) {
	e := newTestEnv(t)
	w := e.mem.AddWorker(models.Worker{FullName: "Amina"})
	path := "/api/workers/" + w.ID.String() + "/ratings"

	rr := e.do(http.MethodPost, path, map[string]int{"score": 5}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(http.MethodPost, path, map[string]int{"score": 5}, e.bearer(t, w.ID, models.RoleWorker))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	sup := e.bearer(t, uuid.New(), models.RoleSupervisor)
	rr = e.do(http.MethodPost, path, map[string]int{"score": 6}, sup)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields := decodeBody(t, rr)["error"].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Contains(t, fields, "score")

	rr = e.do(http.MethodPost, path, map[string]int{"score": 4}, sup)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "4", decodeBody(t, rr)["average_rating"])
}

func TestTaskEventsAndProfile(t *testing.T) {
	e := newTestEnv(t)
	w := e.mem.AddWorker(models.Worker{FullName: "Baraka"})
	sup := e.bearer(t, uuid.New(), models.RoleSupervisor)
	base := "/api/workers/" + w.ID.String()

	rr := e.do(http.MethodPost, base+"/tasks", map[string]string{"event": "completed"}, sup)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "completion without assignment")

	rr = e.do(http.MethodPost, base+"/tasks", map[string]string{"event": "assigned"}, sup)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = e.do(http.MethodPost, base+"/tasks", map[string]string{"event": "completed"}, sup)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "100", decodeBody(t, rr)["completion_rate"])

	rr = e.do(http.MethodPost, base+"/tasks", map[string]string{"event": "paused"}, sup)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Workers may read their own profile only.
	rr = e.do(http.MethodGet, base+"/trust", nil, e.bearer(t, w.ID, models.RoleWorker))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rr)["total_tasks_completed"])

	rr = e.do(http.MethodGet, base+"/trust", nil, e.bearer(t, uuid.New(), models.RoleWorker))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(http.MethodGet, "/api/workers/"+uuid.NewString()+"/trust", nil, sup)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(http.MethodGet, "/api/workers/not-a-uuid/trust", nil, sup)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVerifySkill(t *testing.T) {
	e := newTestEnv(t)
	skill := trust.Skill{ID: uuid.New(), Name: "welding", Source: trust.SourceSelfReported, Tier: trust.TierBronze}
	w := e.mem.AddWorker(models.Worker{FullName: "Chebet"}, skill)
	sup := e.bearer(t, uuid.New(), models.RoleSupervisor)
	path := fmt.Sprintf("/api/workers/%s/skills/%s/verify", w.ID, skill.ID)

	rr := e.do(http.MethodPost, path, map[string]interface{}{"source": "tvet_verified", "credibility": 80}, sup)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	skills := decodeBody(t, rr)["skills"].([]interface{})
	require.Len(t, skills, 1)
	assert.Equal(t, "tvet_verified", skills[0].(map[string]interface{})["verification_source"])

	rr = e.do(http.MethodPost, path, map[string]interface{}{"source": "self_reported", "credibility": 10}, sup)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "source never downgrades")

	rr = e.do(http.MethodPost, path, map[string]interface{}{"source": "rumour", "credibility": 10}, sup)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(http.MethodPost, fmt.Sprintf("/api/workers/%s/skills/%s/verify", w.ID, uuid.New()),
		map[string]interface{}{"source": "tvet_verified", "credibility": 80}, sup)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPublicAPIKeyLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.mem.AddInstitution(models.Institution{Code: "KTTC", Name: "Kenya Technical Trainers College"})
	e.mem.AddInstitution(models.Institution{Code: "NYS", Name: "National Youth Service"})
	mine := e.mem.AddWorker(models.Worker{FullName: "Doris", ClaimedInstitution: "KTTC"})
	e.mem.AddWorker(models.Worker{FullName: "Esther", ClaimedInstitution: "KTTC"})
	other := e.mem.AddWorker(models.Worker{FullName: "Faith", ClaimedInstitution: "NYS"})
	admin := e.bearer(t, uuid.New(), models.RoleAdmin)

	rr := e.do(http.MethodPost, "/api/admin/institutions/KTTC/api-key", nil, e.bearer(t, uuid.New(), models.RoleSupervisor))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(http.MethodPost, "/api/admin/institutions/KTTC/api-key", nil, admin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	key := decodeBody(t, rr)["api_key"].(string)
	assert.Contains(t, key, "tvet_KTTC_")

	rr = e.do(http.MethodPost, "/api/admin/institutions/KTTC/api-key", nil, admin)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(http.MethodPost, "/api/admin/institutions/MISSING/api-key", nil, admin)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	hdr := map[string]string{"X-API-Key": key}
	rr = e.do(http.MethodGet, "/api/public/workers/", nil, hdr)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	list := decodeBody(t, rr)
	assert.EqualValues(t, 2, list["total"])
	assert.EqualValues(t, 1, list["pages"])

	rr = e.do(http.MethodGet, "/api/public/workers/?tier=diamond&status=archived", nil, hdr)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields := decodeBody(t, rr)["error"].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Equal(t, "unknown tier", fields["tier"])
	assert.Equal(t, "must be one of: pending, verified, rejected, revoked", fields["status"])

	rr = e.do(http.MethodGet, "/api/public/workers/?tier=silver&status=pending", nil, hdr)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(http.MethodGet, "/api/public/workers/?page=9223372036854775807", nil, hdr)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	huge := decodeBody(t, rr)
	assert.EqualValues(t, models.MaxPage, huge["page"])
	assert.Empty(t, huge["workers"])

	rr = e.do(http.MethodGet, "/api/public/workers/"+other.ID.String()+"/", nil, hdr)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(http.MethodPost, "/api/public/workers/"+mine.ID.String()+"/verify/",
		map[string]string{"action": "verify", "notes": "certificate checked"}, hdr)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	verified := decodeBody(t, rr)
	assert.Equal(t, "verified", verified["verification_status"])
	assert.NotNil(t, verified["verified_at"])

	rr = e.do(http.MethodPost, "/api/public/workers/"+mine.ID.String()+"/verify/",
		map[string]string{"action": "promote"}, hdr)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(http.MethodGet, "/api/public/stats/", nil, hdr)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeBody(t, rr)
	assert.EqualValues(t, 2, stats["total_workers"])
	assert.EqualValues(t, 1, stats["by_status"].(map[string]interface{})["verified"])

	rr = e.do(http.MethodDelete, "/api/admin/institutions/KTTC/api-key", nil, admin)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["is_api_active"])

	rr = e.do(http.MethodGet, "/api/public/stats/", nil, hdr)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPublicAPIKeyFailuresLookAlike(t *testing.T) {
	e := newTestEnv(t)
	e.mem.AddInstitution(models.Institution{Code: "KTTC", Name: "KTTC"})

	var bodies []string
	for _, key := range []string{"", "garbage", "tvet_KTTC_deadbeef", "tvet_NOPE_deadbeef"} {
		rr := e.do(http.MethodGet, "/api/public/stats/", nil, map[string]string{"X-API-Key": key})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		bodies = append(bodies, rr.Body.String())
	}
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestForcedRotationInvalidatesOldKey(t *testing.T) {
	e := newTestEnv(t)
	e.mem.AddInstitution(models.Institution{Code: "KTTC", Name: "KTTC"})
	admin := e.bearer(t, uuid.New(), models.RoleAdmin)

	rr := e.do(http.MethodPost, "/api/admin/institutions/KTTC/api-key", nil, admin)
	require.Equal(t, http.StatusCreated, rr.Code)
	first := decodeBody(t, rr)["api_key"].(string)

	rr = e.do(http.MethodPost, "/api/admin/institutions/KTTC/api-key", `{"force":true}`, admin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	second := decodeBody(t, rr)["api_key"].(string)
	assert.NotEqual(t, first, second)

	rr = e.do(http.MethodGet, "/api/public/stats/", nil, map[string]string{"X-API-Key": first})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = e.do(http.MethodGet, "/api/public/stats/", nil, map[string]string{"X-API-Key": second})
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Contains(t, e.rec.Types(), audit.EventKeyRotated)
}
