// Package testutil provides testing utilities for the MIPS scheduler.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SessionCookie is the cookie issued by the mock sign-in endpoint.
const SessionCookie = "mips_session"

// JSRequiredBody is what the vendor answers with status 200 when the session is invalid.
const JSRequiredBody = `<noscript>trunk_1.0.0 doesn't work properly without JavaScript enabled. Please enable it to continue.</noscript>`

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockMIPS is a configurable mock of the MIPS device-management API.
//
// It serves sign-in, paged device listing, backlight patch and read-back and
// the device task list. Backlight state is kept per device so patches are
// visible to later reads.
type MockMIPS struct {
	server *httptest.Server
	mu     sync.RWMutex

	handlers  map[string]func(w http.ResponseWriter, r *http.Request)
	devices   []int64
	pageSize  int
	backlight map[int64]int
	token     string
	tokens    int

	// User and Password are the accepted credentials.
	User     string
	Password string

	// Tracking
	RequestCount int
	SignInCount  int
	PatchCount   int
	RequestPaths []string
}

// NewMockMIPS creates a new mock server with the given device ids.
func NewMockMIPS(devices ...int64) *MockMIPS {
	mock := &MockMIPS{
		handlers:  make(map[string]func(w http.ResponseWriter, r *http.Request)),
		devices:   devices,
		pageSize:  3,
		backlight: make(map[int64]int),
		User:      "operator",
		Password:  "secret",
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/MIPS/")

		mock.mu.Lock()
		mock.RequestCount++
		mock.RequestPaths = append(mock.RequestPaths, r.Method+" "+path)
		handler, exists := mock.handlers[path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r, path)
	}))

	return mock
}

// URL returns the base URL clients should be configured with.
func (m *MockMIPS) URL() string {
	return m.server.URL + "/MIPS"
}

// Close shuts down the mock server.
func (m *MockMIPS) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockMIPS) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.SignInCount = 0
	m.PatchCount = 0
	m.RequestPaths = nil
}

// SetPageSize sets how many devices are served per page.
func (m *MockMIPS) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetHandler sets a custom handler for a path relative to the base URL.
func (m *MockMIPS) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockMIPS) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// ExpireSession invalidates the current session token, as the vendor does
// when a session times out.
func (m *MockMIPS) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// Backlight returns the stored backlight status of a device.
func (m *MockMIPS) Backlight(id int64) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.backlight[id]
	return v, ok
}

// SetBacklight sets the stored backlight status of a device.
func (m *MockMIPS) SetBacklight(id int64, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlight[id] = status
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockMIPS) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetSignInCount returns the number of sign-in requests.
func (m *MockMIPS) GetSignInCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SignInCount
}

// GetPatchCount returns the number of backlight patch requests.
func (m *MockMIPS) GetPatchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PatchCount
}

func (m *MockMIPS) defaultHandler(w http.ResponseWriter, r *http.Request, path string) {
	if path == "signin" {
		m.handleSignIn(w, r)
		return
	}

	if !m.authorized(r) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(JSRequiredBody))
		return
	}

	switch path {
	case "devices-mips":
		m.handleDevices(w, r)
	case "devices/rpc-backlight":
		m.handlePatchBacklight(w, r)
	case "devices/rpc-initial-backlight":
		m.handleBacklightSettings(w, r)
	case "device/task/list":
		m.handleTaskList(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockMIPS) authorized(r *http.Request) bool {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != "" && c.Value == m.token
}

func (m *MockMIPS) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.SignInCount++
	ok := r.PostForm.Get("login_id") == m.User && r.PostForm.Get("password") == m.Password && r.PostForm.Get("lang") == "en"
	if ok {
		m.tokens++
		m.token = fmt.Sprintf("token-%d", m.tokens)
	}
	token := m.token
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid credentials"}`))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: token, Path: "/"})
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (m *MockMIPS) handleDevices(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	m.mu.RLock()
	size := m.pageSize
	all := m.devices
	m.mu.RUnlock()

	maxPage := (len(all) + size - 1) / size
	if maxPage == 0 {
		maxPage = 1
	}
	from := min((page-1)*size, len(all))
	to := min(from+size, len(all))

	data := make([]map[string]any, 0, to-from)
	for _, id := range all[from:to] {
		data = append(data, map[string]any{
			"id":          strconv.FormatInt(id, 10),
			"device_name": fmt.Sprintf("device-%d", id),
			"is_online":   1,
		})
	}

	writeJSON(w, map[string]any{
		"data":       data,
		"pagination": map[string]int{"page": page, "max": maxPage},
	})
}

func (m *MockMIPS) handlePatchBacklight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(r.PostForm.Get("id"), 10, 64)
	status, serr := strconv.Atoi(r.PostForm.Get("switchStatus"))
	if err != nil || serr != nil || r.PostForm.Get("type") != "0" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.PatchCount++
	m.backlight[id] = status
	m.mu.Unlock()

	writeJSON(w, map[string]any{"code": 0, "message": "ok"})
}

func (m *MockMIPS) handleBacklightSettings(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status, _ := m.Backlight(id)
	writeJSON(w, map[string]any{"id": id, "type": 0, "is_blacklight": status})
}

func (m *MockMIPS) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, map[string]any{
		"data": []map[string]any{
			{"deviceId": q.Get("deviceId"), "name": "rpc-backlight", "startTime": "2024-01-01 00:00:00"},
		},
		"pagination": map[string]any{"page": 1, "max": 1, "per_page": q.Get("per_page")},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewClientErrorResponse creates a 400 Bad Request response.
func NewClientErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error": "Bad request"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
