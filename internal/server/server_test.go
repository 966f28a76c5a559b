package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"garland/internal/config"
	"garland/internal/db"
	"garland/internal/engine"
	"garland/internal/migrate"
)

const testSecret = "test-secret"

const testConfigYAML = `calendar:
  dates:
    - 17.12.2025
    - 18.12.2025
    - 19.12.2025
    - 20.12.2025
    - 21.12.2025
    - 22.12.2025
    - 23.12.2025
  bootstrap_date: 16.12.2025
  timezone: UTC
  reveal_time: "18:00"
  deadline_time: "20:00"
  sweep_time: "20:01"
`

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg, err := config.FromYAML([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedTasks(t *testing.T, srv *testServer, admin string) {
	t.Helper()
	tasks := []map[string]string{}
	for i := 0; i < 7; i++ {
		tasks = append(tasks, map[string]string{"body": "task body " + string(rune('A'+i))})
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/tasks/import",
		map[string]any{"tasks": tasks}, authHeader(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
}

func TestRegisterAndCompleteFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	user := signToken(t, "bot")
	admin := signToken(t, "ops", "admin")
	seedTasks(t, srv, admin)

	// malformed name is rejected without side effects
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/register",
		RegisterRequest{ChatID: "42", DisplayName: "Madonna"}, authHeader(user))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad name status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/register",
		RegisterRequest{ChatID: "42", DisplayName: "Иванов Иван Иванович"}, authHeader(user))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var reg RegisterResponse
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	if reg.Outcome != "OK" || reg.Participant.Seq == 0 {
		t.Fatalf("register response: %+v", reg)
	}

	// nothing revealed yet
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/42/done", nil, authHeader(user))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("done status %d: %s", res.StatusCode, string(data))
	}
	var done CompleteResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Outcome != "NO_ACTIVE_TASK" {
		t.Fatalf("pre-reveal done: %+v", done)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/advance", nil, authHeader(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	var adv AdvanceResponse
	if err := json.Unmarshal(data, &adv); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if !adv.Ran || adv.Revealed != 1 || adv.NewDayIndex != 1 {
		t.Fatalf("advance response: %+v", adv)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/participants/42/schedule", nil, authHeader(user))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}
	var views []DayViewResponse
	if err := json.Unmarshal(data, &views); err != nil {
		t.Fatalf("unmarshal schedule: %v", err)
	}
	if len(views) != 7 || views[0].Status != "PENDING" || views[0].TaskBody == "" {
		t.Fatalf("schedule: %+v", views)
	}
	if views[1].TaskBody != "" {
		t.Fatalf("upcoming task leaked: %+v", views[1])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/42/done", nil, authHeader(user))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("done status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Outcome != "DONE" || done.CompletedCount != 1 {
		t.Fatalf("done response: %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leaderboard", nil, authHeader(user))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard status %d: %s", res.StatusCode, string(data))
	}
	var lb LeaderboardResponse
	if err := json.Unmarshal(data, &lb); err != nil {
		t.Fatalf("unmarshal leaderboard: %v", err)
	}
	if len(lb.Entries) != 1 || lb.Entries[0].CompletedCount != 1 || lb.CurrentDayIndex != 1 {
		t.Fatalf("leaderboard: %+v", lb)
	}

	// unknown participant
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/999/done", nil, authHeader(user))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown done status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthAndRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// health needs no credentials
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leaderboard", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leaderboard", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	user := signToken(t, "bot")
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/advance", nil, authHeader(user))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin advance status %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, authHeader(user))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin events status %d", res.StatusCode)
	}

	admin := signToken(t, "ops", "admin")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/expire", nil, authHeader(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin expire status %d: %s", res.StatusCode, string(data))
	}
}
