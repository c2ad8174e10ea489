package mips

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/mips-scheduler/internal/testutil"
	"github.com/Sternrassler/mips-scheduler/pkg/client"
)

func newTestClient(t *testing.T, mock *testutil.MockMIPS, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:  mock.URL(),
		User:     mock.User,
		Password: mock.Password,
		Timeout:  2 * time.Second,
		Workers:  4,
		Retry:    client.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing base url")
	}
	c, err := New(Config{BaseURL: "http://mips.local/MIPS/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	if c.baseURL != "http://mips.local/MIPS" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.workers != 20 {
		t.Errorf("workers = %d, want 20", c.workers)
	}
	if c.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %v, want 30s", c.Timeout())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		resp    client.Response
		wantErr error
		class   client.Class
	}{
		{"ok json", client.Response{StatusCode: 200, Body: []byte(`{"data":[]}`)}, nil, ""},
		{"js page", client.Response{StatusCode: 200, Body: []byte(testutil.JSRequiredBody)}, ErrInvalidAuth, ""},
		{"server error", client.Response{StatusCode: 502}, nil, client.ClassServer},
		{"client error", client.Response{StatusCode: 403}, nil, client.ClassClient},
		{"no content", client.Response{StatusCode: 204}, nil, client.ClassUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(&tt.resp)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Classify() = %v, want %v", err, tt.wantErr)
			}
			if tt.class != "" && client.ClassOf(err) != tt.class {
				t.Fatalf("ClassOf() = %q, want %q", client.ClassOf(err), tt.class)
			}
			if tt.wantErr == nil && tt.class == "" && err != nil {
				t.Fatalf("Classify() = %v, want nil", err)
			}
		})
	}
}

func TestGetDevices_AllPages(t *testing.T) {
	mock := testutil.NewMockMIPS(1, 2, 3, 4, 5, 6, 7)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	devices, err := c.GetDevices(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if len(devices) != 7 {
		t.Fatalf("Expected 7 devices, got %d", len(devices))
	}
	for i, d := range devices {
		if int64(d.ID) != int64(i+1) {
			t.Errorf("devices[%d].ID = %d, want %d", i, d.ID, i+1)
		}
	}
	if n := mock.GetSignInCount(); n != 1 {
		t.Errorf("Expected 1 sign in, got %d", n)
	}
	// 1 sign in + 3 pages
	if n := mock.GetRequestCount(); n != 4 {
		t.Errorf("Expected 4 requests, got %d", n)
	}
}

func TestGetDevices_OnlineFilter(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()

	var mu sync.Mutex
	var got []string
	mock.SetHandler("devices-mips", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.URL.RawQuery)
		mu.Unlock()
		w.Write([]byte(`{"data":[{"id":1}],"pagination":{"page":"1","max":"1"}}`))
	})
	c := newTestClient(t, mock, nil)

	online := true
	if _, err := c.GetDevices(context.Background(), &online); err != nil {
		t.Fatalf("GetDevices() error = %v", err)
	}
	if len(got) != 1 || got[0] != "is_online=1&page=1&sort=-device_name" {
		t.Errorf("Query = %v", got)
	}
}

func TestSend_RefreshesExpiredSession(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	c := newTestClient(t, mock, nil)
	ctx := context.Background()

	if err := c.PatchBacklight(ctx, 1, BacklightOn); err != nil {
		t.Fatalf("PatchBacklight() error = %v", err)
	}
	mock.ExpireSession()

	status, err := c.GetBacklightStatus(ctx, 1)
	if err != nil {
		t.Fatalf("GetBacklightStatus() error = %v", err)
	}
	if status != BacklightOn {
		t.Errorf("status = %d, want %d", status, BacklightOn)
	}
	if n := mock.GetSignInCount(); n != 2 {
		t.Errorf("Expected 2 sign ins, got %d", n)
	}
}

func TestSend_RefreshesOnlyOnce(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	mock.SetResponse("devices/rpc-initial-backlight", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       testutil.JSRequiredBody,
	})
	c := newTestClient(t, mock, nil)

	_, err := c.GetBacklightStatus(context.Background(), 1)
	if !errors.Is(err, ErrInvalidAuth) {
		t.Fatalf("Expected ErrInvalidAuth, got %v", err)
	}
	if n := mock.GetSignInCount(); n != 2 {
		t.Errorf("Expected initial sign in plus one refresh, got %d", n)
	}
	if c.session.isValid() {
		t.Error("Expected session to stay invalid")
	}
}

func TestSignIn_BadCredentials(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	c := newTestClient(t, mock, func(cfg *Config) { cfg.Password = "wrong" })

	err := c.EnsureAuthenticated(context.Background())
	if !client.IsClientError(err) {
		t.Fatalf("Expected client error, got %v", err)
	}
	if n := mock.GetSignInCount(); n != 1 {
		t.Errorf("Expected 1 sign in attempt (no retry), got %d", n)
	}
}

func TestEnsureAuthenticated_Concurrent(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.EnsureAuthenticated(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureAuthenticated() error = %v", err)
		}
	}
	if n := mock.GetSignInCount(); n != 1 {
		t.Errorf("Expected 1 sign in, got %d", n)
	}
}

func TestSession_InvalidateKeepsNewerGeneration(t *testing.T) {
	var s session
	signIn := func(context.Context) ([]*http.Cookie, error) {
		return []*http.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}, nil
	}

	header, gen1, err := s.ensure(context.Background(), signIn)
	if err != nil {
		t.Fatal(err)
	}
	if header != "a=1; b=2" {
		t.Errorf("cookie header = %q", header)
	}

	s.invalidate(gen1)
	_, gen2, _ := s.ensure(context.Background(), signIn)
	if gen2 == gen1 {
		t.Fatal("Expected a new generation after refresh")
	}

	// A stale worker reporting the old generation must not drop the new session.
	s.invalidate(gen1)
	if !s.isValid() {
		t.Error("Stale invalidate dropped a newer session")
	}
}

func TestPatchBacklight_InvalidStatus(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	err := c.PatchBacklight(context.Background(), 1, 2)
	if !errors.Is(err, ErrInvalidSwitchStatus) {
		t.Fatalf("Expected ErrInvalidSwitchStatus, got %v", err)
	}
	if n := mock.GetRequestCount(); n != 0 {
		t.Errorf("Expected no requests, got %d", n)
	}
}

func TestPatchBacklight_ShadowMode(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	c := newTestClient(t, mock, func(cfg *Config) { cfg.ShadowMode = true })

	if err := c.PatchBacklightAndValidate(context.Background(), 1, BacklightOn); err != nil {
		t.Fatalf("PatchBacklightAndValidate() error = %v", err)
	}
	if n := mock.GetPatchCount(); n != 0 {
		t.Errorf("Expected no patches in shadow mode, got %d", n)
	}
}

func TestPatchBacklightAndValidate(t *testing.T) {
	mock := testutil.NewMockMIPS(42)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	if err := c.PatchBacklightAndValidate(context.Background(), 42, BacklightOn); err != nil {
		t.Fatalf("PatchBacklightAndValidate() error = %v", err)
	}
	if v, _ := mock.Backlight(42); v != BacklightOn {
		t.Errorf("stored backlight = %d, want %d", v, BacklightOn)
	}
}

func TestPatchBacklightAndValidate_Mismatch(t *testing.T) {
	mock := testutil.NewMockMIPS(42)
	defer mock.Close()
	// Accept the patch without applying it.
	mock.SetResponse("devices/rpc-backlight", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"code":0}`})
	c := newTestClient(t, mock, nil)

	err := c.PatchBacklightAndValidate(context.Background(), 42, BacklightOn)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}
	if ve.Want != BacklightOn || ve.Got != BacklightOff || ve.DeviceID != 42 {
		t.Errorf("ValidationError = %+v", ve)
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("Expected errors.Is(err, ErrValidationFailed)")
	}
}

func TestGetBacklightStatus_Missing(t *testing.T) {
	mock := testutil.NewMockMIPS(1)
	defer mock.Close()
	mock.SetResponse("devices/rpc-initial-backlight", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"id":1}`})
	c := newTestClient(t, mock, nil)

	if _, err := c.GetBacklightStatus(context.Background(), 1); !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("Expected ErrMissingStatus, got %v", err)
	}
}

func TestGetBacklightSettings(t *testing.T) {
	mock := testutil.NewMockMIPS(7)
	defer mock.Close()
	mock.SetBacklight(7, BacklightOn)
	c := newTestClient(t, mock, nil)

	settings, err := c.GetBacklightSettings(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetBacklightSettings() error = %v", err)
	}
	if settings["is_blacklight"] != float64(BacklightOn) {
		t.Errorf("settings = %v", settings)
	}
}

func TestGetDeviceTasks(t *testing.T) {
	mock := testutil.NewMockMIPS(9)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	raw, err := c.GetDeviceTasks(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetDeviceTasks() error = %v", err)
	}
	var body struct {
		Data []struct {
			DeviceID string `json:"deviceId"`
		} `json:"data"`
		Pagination struct {
			PerPage string `json:"per_page"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].DeviceID != "9" || body.Pagination.PerPage != "10" {
		t.Errorf("tasks = %s", raw)
	}
}

func TestPatchBacklightAndValidateBulk(t *testing.T) {
	ids := []int64{10, 11, 12, 13, 14}
	mock := testutil.NewMockMIPS(ids...)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	results, err := c.PatchBacklightAndValidateBulk(context.Background(), ids, BacklightOn, false)
	if err != nil {
		t.Fatalf("PatchBacklightAndValidateBulk() error = %v", err)
	}
	if len(results) != len(ids) {
		t.Fatalf("Expected %d results, got %d", len(ids), len(results))
	}
	for i, r := range results {
		if r.DeviceID != ids[i] {
			t.Errorf("results[%d].DeviceID = %d, want %d", i, r.DeviceID, ids[i])
		}
		if r.Err != nil {
			t.Errorf("device %d: %v", r.DeviceID, r.Err)
		}
		if r.Mode != ModeProduction {
			t.Errorf("device %d mode = %q", r.DeviceID, r.Mode)
		}
		if _, err := time.Parse(TimestampLayout, r.Start); err != nil {
			t.Errorf("device %d start %q: %v", r.DeviceID, r.Start, err)
		}
		if v, _ := mock.Backlight(r.DeviceID); v != BacklightOn {
			t.Errorf("device %d backlight = %d", r.DeviceID, v)
		}
	}
	if n := mock.GetPatchCount(); n != len(ids) {
		t.Errorf("Expected %d patches, got %d", len(ids), n)
	}
	if n := mock.GetSignInCount(); n != 1 {
		t.Errorf("Expected 1 shared sign in, got %d", n)
	}
}

func TestPatchBacklightAndValidateBulk_Shadow(t *testing.T) {
	ids := []int64{1, 2, 3}
	mock := testutil.NewMockMIPS(ids...)
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	results, err := c.PatchBacklightAndValidateBulk(context.Background(), ids, BacklightOff, true)
	if err != nil {
		t.Fatalf("PatchBacklightAndValidateBulk() error = %v", err)
	}
	for _, r := range results {
		if r.Err != nil || r.Mode != ModeShadow {
			t.Errorf("device %d: err = %v, mode = %q", r.DeviceID, r.Err, r.Mode)
		}
	}
	if n := mock.GetPatchCount(); n != 0 {
		t.Errorf("Expected no patches in shadow mode, got %d", n)
	}
}

func TestPatchBacklightAndValidateBulk_PartialFailure(t *testing.T) {
	ids := []int64{1, 2}
	mock := testutil.NewMockMIPS(ids...)
	defer mock.Close()
	mock.SetHandler("devices/rpc-backlight", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("id") == "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mock.SetBacklight(1, BacklightOn)
		w.Write([]byte(`{"code":0}`))
	})
	c := newTestClient(t, mock, nil)

	results, err := c.PatchBacklightAndValidateBulk(context.Background(), ids, BacklightOn, false)
	if err != nil {
		t.Fatalf("PatchBacklightAndValidateBulk() error = %v", err)
	}
	if results[0].Err != nil {
		t.Errorf("device 1: %v", results[0].Err)
	}
	if !client.IsClientError(results[1].Err) {
		t.Errorf("device 2: expected client error, got %v", results[1].Err)
	}
}

func TestPatchBacklightAndValidateBulk_Empty(t *testing.T) {
	mock := testutil.NewMockMIPS()
	defer mock.Close()
	c := newTestClient(t, mock, nil)

	results, err := c.PatchBacklightAndValidateBulk(context.Background(), nil, BacklightOn, false)
	if err != nil || results != nil {
		t.Errorf("Expected nil results and error, got %v, %v", results, err)
	}
}
