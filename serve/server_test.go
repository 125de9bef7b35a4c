package serve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/provision"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/translation"
)

type fakeProvisioner struct {
	mu        sync.Mutex
	requests  []shopkeep.ShopRequest
	listeners []func(provision.Event)
	err       error
	changed   bool
}

func (f *fakeProvisioner) CreateShop(ctx context.Context, req shopkeep.ShopRequest) (*provision.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	listeners := f.listeners
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	req = req.WithDefaults()
	for _, fn := range listeners {
		fn(provision.Event{SiteName: req.SiteName, Attempt: 1, From: shopkeep.StateRequested, To: shopkeep.StateNetworkReady, At: time.Now()})
	}
	return &provision.Result{
		ShopRecord: shopkeep.ShopRecord{SiteName: req.SiteName, State: shopkeep.StateReady, Attempt: 1, TenantMode: req.TenantMode},
		AdminUser:  "admin",
	}, nil
}

func (f *fakeProvisioner) Reapply(ctx context.Context, site string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.changed, nil
}

func (f *fakeProvisioner) OnTransition(fn func(provision.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

type fakeTranslator struct {
	rows     []translation.Row
	imported string
	locale   string
	err      error
}

func (f *fakeTranslator) Export(ctx context.Context, storeName, locale string) (*translation.Export, error) {
	if f.err != nil {
		return nil, f.err
	}
	if locale == "" {
		locale = shopkeep.DefaultLocale
	}
	return &translation.Export{StoreName: storeName, Locale: locale, Rows: f.rows}, nil
}

func (f *fakeTranslator) Import(ctx context.Context, storeName, locale string, table io.Reader) (*translation.DeployResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(table)
	if err != nil {
		return nil, err
	}
	f.imported = string(data)
	f.locale = locale
	return &translation.DeployResult{StoreName: storeName, Locale: locale, StringsUpdated: 1}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeProvisioner, *fakeTranslator, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shops.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { st.Close() })

	prov := &fakeProvisioner{}
	trans := &fakeTranslator{}
	cfg := Config{Addr: ":0", WPImage: "wordpress:6.4-apache", MySQLImage: "mysql:8.0"}
	return New(cfg, prov, trans, st), prov, trans, st
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateShop(t *testing.T) {
	s, prov, _, _ := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodPost, "/create_shop",
		strings.NewReader(`{"site_name":"demo1","tenant_mode":"single"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res provision.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "demo1", res.SiteName)
	assert.Equal(t, shopkeep.StateReady, res.State)

	require.Len(t, prov.requests, 1)
	assert.Equal(t, "wordpress:6.4-apache", prov.requests[0].WPImage, "configured image fills the gap")
	assert.Equal(t, "mysql:8.0", prov.requests[0].MySQLImage)
}

func TestCreateShopErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{"bad json", `{"site_name":`, nil, http.StatusBadRequest, "validation failed"},
		{"unknown field", `{"site":"x"}`, nil, http.StatusBadRequest, "validation failed"},
		{"validation", `{"site_name":"Bad Name"}`,
			shopkeep.NewError(shopkeep.ErrValidation, "validate request", "", shopkeep.ErrValidation, "SiteName: invalid"),
			http.StatusBadRequest, "validation failed"},
		{"duplicate", `{"site_name":"demo1"}`,
			shopkeep.NewError(shopkeep.ErrConflict, "reserve", "demo1", nil), http.StatusConflict, "conflict"},
		{"resource conflict", `{"site_name":"demo1"}`,
			shopkeep.NewError(shopkeep.ErrResourceConflict, "create network", "demo1", nil), http.StatusConflict, "resource conflict"},
		{"external", `{"site_name":"demo1"}`,
			shopkeep.NewError(shopkeep.ErrExternal, "install plugin", "demo1", nil), http.StatusBadGateway, "external failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, prov, _, _ := newTestServer(t)
			prov.err = tt.err

			rec := do(t, s.Handler(), http.MethodPost, "/create_shop", strings.NewReader(tt.body), "application/json")
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestValidationDetailsInBody(t *testing.T) {
	s, prov, _, _ := newTestServer(t)
	prov.err = shopkeep.NewError(shopkeep.ErrValidation, "validate request", "", shopkeep.ErrValidation, "SiteName: invalid", "Email: invalid")

	rec := do(t, s.Handler(), http.MethodPost, "/create_shop", strings.NewReader(`{}`), "application/json")
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"SiteName: invalid", "Email: invalid"}, resp.Details)
}

func TestShopsEndpoints(t *testing.T) {
	s, _, _, st := newTestServer(t)
	ctx := context.Background()
	lease, err := st.Reserve(ctx, shopkeep.ShopRequest{SiteName: "demo1"}.WithDefaults())
	require.NoError(t, err)
	_, err = st.Advance(ctx, lease, shopkeep.StateNetworkReady, store.Patch{NetworkID: "n1"})
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodGet, "/shops", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shops []shopkeep.ShopRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shops))
	require.Len(t, shops, 1)

	rec = do(t, s.Handler(), http.MethodGet, "/shops/demo1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail ShopDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, shopkeep.StateNetworkReady, detail.State)
	assert.Equal(t, "n1", detail.NetworkID)
	require.Len(t, detail.Transitions, 2)
	assert.Equal(t, shopkeep.StateRequested, detail.Transitions[0].To)

	rec = do(t, s.Handler(), http.MethodGet, "/shops/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListShopsEmptyIsArray(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/shops", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestReapplyRewrites(t *testing.T) {
	s, prov, _, _ := newTestServer(t)
	prov.changed = true

	rec := do(t, s.Handler(), http.MethodPost, "/shops/demo1/rewrites", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"site_name":"demo1","changed":true}`, rec.Body.String())

	prov.err = shopkeep.NewError(shopkeep.ErrConflict, "reapply", "demo1", nil)
	rec = do(t, s.Handler(), http.MethodPost, "/shops/demo1/rewrites", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownloadCSV(t *testing.T) {
	s, _, trans, _ := newTestServer(t)
	trans.rows = []translation.Row{{StringID: "abc", Source: "Welcome"}}

	rec := do(t, s.Handler(), http.MethodGet, "/download_csv/demo1?locale=fr_FR", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="demo1-fr_FR.csv"`)
	assert.Contains(t, rec.Body.String(), "string_id,context,source_text,translated_text\n")
	assert.Contains(t, rec.Body.String(), "abc,,Welcome,\n")

	trans.err = shopkeep.NewError(shopkeep.ErrNotFound, "export", "nope", nil)
	rec = do(t, s.Handler(), http.MethodGet, "/download_csv/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartBody(t *testing.T, field, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "table.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadCSV(t *testing.T) {
	s, _, trans, _ := newTestServer(t)

	body, ct := multipartBody(t, "file", "string_id,translated_text\nabc,Bienvenue\n")
	rec := do(t, s.Handler(), http.MethodPost, "/upload_csv/demo1?locale=fr_FR", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res translation.DeployResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "fr_FR", res.Locale)
	assert.Equal(t, 1, res.StringsUpdated)
	assert.Equal(t, "fr_FR", trans.locale)
	assert.Contains(t, trans.imported, "abc,Bienvenue")
}

func TestUploadCSVLocale(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"override", "/upload_csv/demo1?locale=fr_FR", "fr_FR"},
		{"shop default", "/upload_csv/demo1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, trans, _ := newTestServer(t)

			body, ct := multipartBody(t, "file", "string_id,translated_text\nabc,Bienvenue\n")
			rec := do(t, s.Handler(), http.MethodPost, tt.target, body, ct)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, trans.locale)
		})
	}
}

func TestUploadCSVMissingFile(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	body, ct := multipartBody(t, "document", "x")
	rec := do(t, s.Handler(), http.MethodPost, "/upload_csv/demo1", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadCSVRejectedRows(t *testing.T) {
	s, _, trans, _ := newTestServer(t)
	trans.err = shopkeep.NewError(shopkeep.ErrValidation, "import", "demo1", shopkeep.ErrValidation, "line 3: unknown string_id ffff")

	body, ct := multipartBody(t, "file", "string_id,translated_text\nffff,x\n")
	rec := do(t, s.Handler(), http.MethodPost, "/upload_csv/demo1", body, ct)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"line 3: unknown string_id ffff"}, resp.Details)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shopkeep_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodOptions, "/create_shop", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventsStreamTransitions(t *testing.T) {
	s, prov, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?site=demo1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	first, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", first)

	// Subscribed once the connected comment arrives.
	_, err = prov.CreateShop(ctx, shopkeep.ShopRequest{SiteName: "other"})
	require.NoError(t, err)
	_, err = prov.CreateShop(ctx, shopkeep.ShopRequest{SiteName: "demo1"})
	require.NoError(t, err)

	var event, data string
	for event == "" || data == "" {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "shop.transition", event)

	var ev BrokerEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "demo1", ev.Site, "events of other sites are filtered out")
	assert.Equal(t, string(shopkeep.StateNetworkReady), ev.To)
}

func TestBrokerLimitsSubscribers(t *testing.T) {
	b := NewEventBroker()
	for i := 0; i < maxSubscribers; i++ {
		require.NotNil(t, b.Subscribe(""))
	}
	assert.Nil(t, b.Subscribe(""))

	b.Close()
	assert.NotNil(t, b.Subscribe(""))
}

func TestCreateShopRateLimited(t *testing.T) {
	s, prov, _, _ := newTestServer(t)
	WithCreateLimit(1, 1)(s)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/create_shop", strings.NewReader(`{"site_name":"a"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/create_shop", strings.NewReader(`{"site_name":"b"}`), "application/json")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Len(t, prov.requests, 1)
}
