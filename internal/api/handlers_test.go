package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rootkit0/AgroSense-API/internal/auth"
	"github.com/rootkit0/AgroSense-API/internal/configplan"
	"github.com/rootkit0/AgroSense-API/internal/device"
	"github.com/rootkit0/AgroSense-API/internal/ingest"
	"github.com/rootkit0/AgroSense-API/internal/model"
	"github.com/rootkit0/AgroSense-API/internal/store"
)

var fixedNow = time.Date(2026, 8, 30, 12, 10, 30, 0, time.UTC)

type recordedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	messages []recordedPublish
}

func (p *fakePublisher) PublishRetained(topic string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.messages = append(p.messages, recordedPublish{topic: topic, payload: cp})
	return nil
}

type testEnv struct {
	srv   *httptest.Server
	store *store.Memory
	auth  *auth.Manager
	pub   *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	am := auth.NewManager(auth.Config{
		JWTSecret:     "test-signing-key",
		JWTExpiration: 60,
		APIKeys:       []string{"testkey"},
		Users: []auth.User{
			{Username: "tech1", PasswordHash: string(hash), Role: auth.RoleTech, TenantIDs: []string{"t1", "t2"}},
			{Username: "farmer1", PasswordHash: string(hash), Role: auth.RoleFarmer, TenantIDs: []string{"t1", "t2"}},
		},
	})

	m := store.NewMemory()
	if err := m.CreateSensor(context.Background(), "t1", &model.Sensor{
		ID:         "s1",
		HardwareID: "000001",
		Name:       "north plot probe",
	}); err != nil {
		t.Fatalf("seed sensor: %v", err)
	}

	resolver := device.NewResolver(m, nil, 0, nil)
	engine := ingest.NewEngine(m, resolver, nil, nil, nil, 60, nil)
	engine.Now = func() time.Time { return fixedNow }
	pub := &fakePublisher{}
	plans := configplan.NewService(m, pub, nil)

	h := NewHandler(engine, m, resolver, am, plans, nil, nil)
	h.Now = func() time.Time { return fixedNow }

	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: m, auth: am, pub: pub}
}

func (e *testEnv) do(t *testing.T, method, path, body string, set func(*http.Request)) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if set != nil {
		set(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return resp, decoded
}

func withKey(req *http.Request) { req.Header.Set("X-API-Key", "testkey") }

func (e *testEnv) token(t *testing.T, username, role string, tenantIDs []string) string {
	t.Helper()
	tok, err := e.auth.GenerateJWT(auth.User{Username: username, Role: role, TenantIDs: tenantIDs})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func withBearer(token string) func(*http.Request) {
	return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestIngestRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/sensors/soil-moisture",
		`{"id":"000001","samples":[{"v":20.1}]}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestIngestSoilMoisture(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/sensors/soil-moisture",
		`{"id":"000001","intervalSec":300,"b":87,"s":-71,"samples":[{"v":20.1},{"v":20.3}]}`, withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "success" || body["ingested"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if body["tenantId"] != "t1" || body["sensorId"] != "s1" {
		t.Errorf("resolved = %v/%v", body["tenantId"], body["sensorId"])
	}
	days, _ := body["updatedDailyAggDays"].([]interface{})
	if len(days) != 1 || days[0] != "20260830" {
		t.Errorf("updatedDailyAggDays = %v", body["updatedDailyAggDays"])
	}
}

func TestIngestBadSample(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/sensors/npk",
		`{"id":"000001","samples":[{"n":12}]}`, withKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["code"] != "invalid_input" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestIngestUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/sensors/soil-moisture",
		`{"id":"FFFFFF","samples":[{"v":1}]}`, withKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResolveDevice(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/devices/000001/resolve", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["tenantId"] != "t1" || body["sensorId"] != "s1" {
		t.Errorf("body = %v", body)
	}

	resp, _ = env.do(t, http.MethodGet, "/devices/FFFFFF/resolve", "", withKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestReadingsAndDailyAggReadBack(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/sensors/soil-moisture",
		`{"id":"000001","samples":[{"v":20.1},{"v":20.3}]}`, withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/tenants/t1/sensors/s1/readings?range=1d&limit=10", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readings status = %d", resp.StatusCode)
	}
	items, _ := body["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("readings items = %d, want 2", len(items))
	}
	first, _ := items[0].(map[string]interface{})
	if first["id"] != "202608301210" {
		t.Errorf("newest bucket = %v, want 202608301210", first["id"])
	}

	resp, body = env.do(t, http.MethodGet, "/tenants/t1/sensors/s1/dailyAgg?days=7", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dailyAgg status = %d", resp.StatusCode)
	}
	items, _ = body["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("dailyAgg items = %d, want 1", len(items))
	}
	day, _ := items[0].(map[string]interface{})
	metrics, _ := day["metrics"].(map[string]interface{})
	vwc, _ := metrics["vwc_percent"].(map[string]interface{})
	if vwc["count"] != float64(2) {
		t.Errorf("vwc_percent = %v, want count 2", vwc)
	}
}

func TestReadingsInvalidRange(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/tenants/t1/sensors/s1/readings?range=2d", "", withKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/auth/login",
		`{"username":"tech1","password":"secret123"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("no token in response")
	}
	claims, err := env.auth.ValidateJWT(token)
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	if claims.UID != "tech1" || claims.Role != auth.RoleTech {
		t.Errorf("claims = %+v", claims)
	}

	resp, _ = env.do(t, http.MethodPost, "/auth/login",
		`{"username":"tech1","password":"wrong"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateSensor(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/tenants/t1/sensors", `{"name":"x"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	tech := env.token(t, "tech1", auth.RoleTech, []string{"t1", "t2"})
	resp, body := env.do(t, http.MethodPost, "/tenants/t1/sensors",
		`{"name":"south plot probe","fieldId":"field-2"}`, withBearer(tech))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	sensorID, _ := body["sensorId"].(string)
	hw, _ := body["hardwareId"].(string)
	if sensorID == "" || len(hw) != 6 {
		t.Fatalf("body = %v", body)
	}

	s, err := env.store.GetSensor(context.Background(), "t1", sensorID)
	if err != nil {
		t.Fatalf("created sensor missing: %v", err)
	}
	if s.Name != "south plot probe" || s.HardwareID != hw {
		t.Errorf("sensor = %+v", s)
	}

	// Multi-tenant farmer accounts cannot provision, even in their own tenant.
	farmer := env.token(t, "farmer1", auth.RoleFarmer, []string{"t1", "t2"})
	resp, _ = env.do(t, http.MethodPost, "/tenants/t1/sensors", `{"name":"x"}`, withBearer(farmer))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("farmer status = %d, want 403", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/tenants/t3/sensors", `{"name":"x"}`, withBearer(tech))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign tenant status = %d, want 403", resp.StatusCode)
	}
}

func TestPublishAndRepublishConfig(t *testing.T) {
	env := newTestEnv(t)
	tech := env.token(t, "tech1", auth.RoleTech, []string{"t1"})

	plan := `{
		"ver": 1,
		"channels": [{"gpio":4},{"gpio":5},{"gpio":6}],
		"fields": ["vwc_percent"],
		"steps": [{"ch":0,"modbus":{"addr":1,"reg":0,"count":2,"timeout_ms":500},
			"decode":[{"idx":0,"type":"u16","reg_ofs":0,"scale":0.1}]}]
	}`
	resp, body := env.do(t, http.MethodPost, "/tenants/t1/sensors/s1/configs:publish", plan, withBearer(tech))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, body %v", resp.StatusCode, body)
	}
	if body["ver"] != float64(1) {
		t.Errorf("ver = %v, want 1", body["ver"])
	}
	cc, _ := body["cc"].(string)
	if len(cc) != 8 {
		t.Errorf("cc = %q", cc)
	}
	if len(env.pub.messages) != 2 {
		t.Fatalf("%d publishes, want 2", len(env.pub.messages))
	}
	if env.pub.messages[0].topic != "/sensors/config/000001" ||
		env.pub.messages[1].topic != "/sensors/config-meta/000001" {
		t.Errorf("topics = %q, %q", env.pub.messages[0].topic, env.pub.messages[1].topic)
	}
	planBytes := env.pub.messages[0].payload
	if got := configplan.ChecksumHex(planBytes); got != cc {
		t.Errorf("payload checksum %s != reported cc %s", got, cc)
	}

	env.pub.messages = nil
	resp, body = env.do(t, http.MethodPost, "/tenants/t1/sensors/s1/configs/1:republish", "", withBearer(tech))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("republish status = %d, body %v", resp.StatusCode, body)
	}
	if len(env.pub.messages) != 2 || string(env.pub.messages[0].payload) != string(planBytes) {
		t.Errorf("republish did not re-emit stored bytes")
	}

	resp, _ = env.do(t, http.MethodPost, "/tenants/t1/sensors/s1/configs/9:republish", "", withBearer(tech))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown version status = %d, want 404", resp.StatusCode)
	}
}

func TestPublishInvalidPlan(t *testing.T) {
	env := newTestEnv(t)
	tech := env.token(t, "tech1", auth.RoleTech, []string{"t1"})

	resp, _ := env.do(t, http.MethodPost, "/tenants/t1/sensors/s1/configs:publish",
		`{"ver":1,"channels":[{}],"fields":[],"steps":[]}`, withBearer(tech))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(env.pub.messages) != 0 {
		t.Errorf("%d messages published for invalid plan", len(env.pub.messages))
	}
}

func TestRecomputeTenantStats(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/sensors/soil-moisture",
		`{"id":"000001","b":12,"samples":[{"v":20.1}]}`, withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/maintenance/recompute-tenant-stats?tenantId=t1&lowBatt=20", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recompute status = %d", resp.StatusCode)
	}

	stats, ok := env.store.TenantStats("t1")
	if !ok {
		t.Fatal("stats document missing")
	}
	if stats.Sensors.Total != 1 || stats.Sensors.Active != 1 || stats.Sensors.Stale != 0 {
		t.Errorf("sensors = %+v", stats.Sensors)
	}
	if stats.Sensors.BatteryLow != 1 {
		t.Errorf("batteryLow = %d, want 1", stats.Sensors.BatteryLow)
	}
	if stats.StaleMs != 2*3600*1000 {
		t.Errorf("staleMs = %d", stats.StaleMs)
	}

	resp, _ = env.do(t, http.MethodPost, "/maintenance/recompute-tenant-stats", "", withKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing tenantId status = %d, want 400", resp.StatusCode)
	}
}

func TestRecomputeAllTenantStats(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/maintenance/recompute-all-tenant-stats", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	tenants, _ := body["tenants"].([]interface{})
	if len(tenants) != 1 || tenants[0] != "t1" {
		t.Errorf("tenants = %v", body["tenants"])
	}
	if _, ok := env.store.TenantStats("t1"); !ok {
		t.Error("stats document missing after recompute-all")
	}
}

func TestPurgeReadingsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	// Seed one reading well past retention and one fresh.
	old := fixedNow.AddDate(0, 0, -45)
	for _, ts := range []time.Time{old, fixedNow} {
		err := env.store.MergeReading(context.Background(), "t1", "s1", ts.Format("200601021504"), store.ReadingUpdate{
			TS:     ts,
			Values: map[string]float64{"vwc_percent": 1},
		})
		if err != nil {
			t.Fatalf("seed reading: %v", err)
		}
	}

	resp, body := env.do(t, http.MethodPost, "/maintenance/purge-readings?olderThanDays=30&dryRun=true", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dry run status = %d", resp.StatusCode)
	}
	if body["status"] != "dry_run" || body["wouldDelete"] != float64(1) {
		t.Errorf("dry run body = %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/maintenance/purge-readings?olderThanDays=30", "", withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purge status = %d", resp.StatusCode)
	}
	if body["deleted"] != float64(1) {
		t.Errorf("purge body = %v", body)
	}
}
