// Package mips is a client for the MIPS device-management API.
//
// It composes the generic rate-limited sender from pkg/client and adds the
// vendor specifics: cookie sessions, the JavaScript-page auth failure, paged
// device listing, and backlight patch with read-back validation.
package mips

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/mips-scheduler/pkg/bulk"
	"github.com/Sternrassler/mips-scheduler/pkg/client"
	"github.com/Sternrassler/mips-scheduler/pkg/pagination"
	"github.com/Sternrassler/mips-scheduler/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// API paths relative to the base URL.
const (
	signInPath            = "signin"
	devicesPath           = "devices-mips"
	backlightPath         = "devices/rpc-backlight"
	backlightSettingsPath = "devices/rpc-initial-backlight"
	deviceTasksPath       = "device/task/list"
)

const (
	clientLang = "en"

	// jsRequiredMarker appears in the HTML page served instead of data when
	// the session is not valid.
	jsRequiredMarker = "trunk_1.0.0 doesn't work properly without JavaScript enabled"

	// TimestampLayout formats result timestamps.
	TimestampLayout = "2006-01-02 15:04:05"
)

// Config holds MIPS client configuration.
type Config struct {
	BaseURL  string
	User     string
	Password string

	// Timeout bounds one HTTP send and is the per-item timeout of bulk runs.
	Timeout time.Duration

	Dispatch ratelimit.DispatchConfig

	// Workers is the bulk worker cap. Defaults to bulk.DefaultWorkers.
	Workers int

	// ShadowMode skips write requests.
	ShadowMode bool

	// Retry overrides the default retry policy (mainly for tests).
	Retry client.RetryPolicy
}

// Client talks to the MIPS API.
type Client struct {
	http       *client.Client
	baseURL    string
	signInForm url.Values
	session    session
	timeout    time.Duration
	workers    int
	shadow     bool
	logger     zerolog.Logger
}

// New creates a MIPS client. It does not sign in; the first authenticated
// call does.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mips base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse mips base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = bulk.DefaultWorkers
	}

	httpClient, err := client.New(client.Config{
		Name:       "mips",
		Timeout:    cfg.Timeout,
		Dispatch:   cfg.Dispatch,
		Retry:      cfg.Retry,
		Classifier: Classify,
	})
	if err != nil {
		return nil, fmt.Errorf("create mips http client: %w", err)
	}

	c := &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		signInForm: url.Values{
			"login_id": {cfg.User},
			"password": {cfg.Password},
			"lang":     {clientLang},
		},
		timeout: cfg.Timeout,
		workers: cfg.Workers,
		shadow:  cfg.ShadowMode,
		logger:  log.With().Str("component", "mips").Logger(),
	}
	if c.shadow {
		c.logger.Info().Msg("Client runs in shadow mode, write requests will not be executed")
	}
	return c, nil
}

// Classify applies the default status classification and then treats a 200
// JavaScript-required page as ErrInvalidAuth.
func Classify(resp *client.Response) error {
	if err := client.DefaultClassifier(resp); err != nil {
		return err
	}
	if bytes.Contains(resp.Body, []byte(jsRequiredMarker)) {
		return ErrInvalidAuth
	}
	return nil
}

// ShadowMode reports whether write requests are skipped by default.
func (c *Client) ShadowMode() bool {
	return c.shadow
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// Authenticate signs in unconditionally.
func (c *Client) Authenticate(ctx context.Context) error {
	c.session.expire()
	return c.EnsureAuthenticated(ctx)
}

// EnsureAuthenticated signs in unless a valid session is held.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	_, _, err := c.session.ensure(ctx, c.signIn)
	return err
}

func (c *Client) signIn(ctx context.Context) ([]*http.Cookie, error) {
	resp, err := c.http.Send(ctx, client.FormRequest(http.MethodPost, c.url(signInPath), c.signInForm))
	if err != nil {
		switch {
		case client.IsClientError(err):
			c.logger.Error().Msg("Auth failed due to invalid credentials")
		case client.ClassOf(err) == client.ClassServer:
			c.logger.Error().Msg("Auth failed due to a server error")
		default:
			c.logger.Error().Err(err).Msg("Auth failed")
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}
	c.logger.Debug().Int("cookies", len(resp.Cookies)).Msg("Auth ok, cookies updated")
	return resp.Cookies, nil
}

// send performs an authenticated request. When the response reports an
// invalid session, the session is refreshed once and the request re-sent.
func (c *Client) send(ctx context.Context, req client.Request) (*client.Response, error) {
	for refreshed := false; ; refreshed = true {
		cookies, gen, err := c.session.ensure(ctx, c.signIn)
		if err != nil {
			return nil, err
		}

		r := req
		r.Header = req.Header.Clone()
		if r.Header == nil {
			r.Header = http.Header{}
		}
		if cookies != "" {
			r.Header.Set("Cookie", cookies)
		}

		resp, err := c.http.Send(ctx, r)
		if errors.Is(err, ErrInvalidAuth) {
			c.session.invalidate(gen)
			if !refreshed {
				c.logger.Info().Str("url", req.URL).Msg("Session invalid, refreshing")
				continue
			}
		}
		return resp, err
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + path
}

// GetDevices fetches every page of the device listing. A nil online filter
// lists all devices.
func (c *Client) GetDevices(ctx context.Context, online *bool) ([]Device, error) {
	onlineParam := ""
	if online != nil {
		onlineParam = strconv.Itoa(boolToInt(*online))
	}

	devices, err := pagination.FetchAll(ctx, func(ctx context.Context, page int) (pagination.Page[Device], error) {
		resp, err := c.send(ctx, client.Request{
			Method: http.MethodGet,
			URL:    c.url(devicesPath),
			Query: url.Values{
				"sort":      {"-device_name"},
				"is_online": {onlineParam},
				"page":      {strconv.Itoa(page)},
			},
		})
		if err != nil {
			return pagination.Page[Device]{}, err
		}
		var body devicesPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return pagination.Page[Device]{}, fmt.Errorf("decode devices page %d: %w", page, err)
		}
		return pagination.Page[Device]{
			Items:   body.Data,
			Current: int(body.Pagination.Page),
			Max:     int(body.Pagination.Max),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get devices: %w", err)
	}

	c.logger.Debug().Int("devices", len(devices)).Msg("Fetched devices")
	return devices, nil
}

// PatchBacklight sets the backlight switch status of one device. In shadow
// mode the request is logged and not sent.
func (c *Client) PatchBacklight(ctx context.Context, deviceID int64, switchStatus int) error {
	return c.patchBacklight(ctx, deviceID, switchStatus, c.shadow)
}

func (c *Client) patchBacklight(ctx context.Context, deviceID int64, switchStatus int, shadow bool) error {
	if switchStatus != BacklightOff && switchStatus != BacklightOn {
		return fmt.Errorf("%w: %d", ErrInvalidSwitchStatus, switchStatus)
	}
	if shadow {
		c.logger.Info().Int64("device_id", deviceID).Msg("Device is not patched because of shadow mode")
		return nil
	}

	_, err := c.send(ctx, client.FormRequest(http.MethodPut, c.url(backlightPath), url.Values{
		"type":         {"0"},
		"id":           {strconv.FormatInt(deviceID, 10)},
		"switchStatus": {strconv.Itoa(switchStatus)},
	}))
	if err != nil {
		return fmt.Errorf("patch backlight of device %d: %w", deviceID, err)
	}
	return nil
}

// GetBacklightSettings returns the raw backlight settings of a device.
func (c *Client) GetBacklightSettings(ctx context.Context, deviceID int64) (map[string]any, error) {
	body, err := c.backlightSettings(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, fmt.Errorf("decode backlight settings of device %d: %w", deviceID, err)
	}
	return settings, nil
}

// GetBacklightStatus returns the backlight switch status of a device.
func (c *Client) GetBacklightStatus(ctx context.Context, deviceID int64) (int, error) {
	body, err := c.backlightSettings(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	var settings backlightSettings
	if err := json.Unmarshal(body, &settings); err != nil {
		return 0, fmt.Errorf("decode backlight settings of device %d: %w", deviceID, err)
	}
	if settings.IsBacklight == nil {
		return 0, fmt.Errorf("device %d: %w", deviceID, ErrMissingStatus)
	}
	return int(*settings.IsBacklight), nil
}

func (c *Client) backlightSettings(ctx context.Context, deviceID int64) ([]byte, error) {
	resp, err := c.send(ctx, client.Request{
		Method: http.MethodGet,
		URL:    c.url(backlightSettingsPath),
		Query: url.Values{
			"type": {"0"},
			"id":   {strconv.FormatInt(deviceID, 10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get backlight settings of device %d: %w", deviceID, err)
	}
	return resp.Body, nil
}

// GetDeviceTasks returns the most recent tasks of a device as raw JSON.
func (c *Client) GetDeviceTasks(ctx context.Context, deviceID int64) (json.RawMessage, error) {
	resp, err := c.send(ctx, client.Request{
		Method: http.MethodGet,
		URL:    c.url(deviceTasksPath),
		Query: url.Values{
			"deviceId": {strconv.FormatInt(deviceID, 10)},
			"page":     {"1"},
			"per_page": {"10"},
			"perPage":  {"10"},
			"sort":     {"startTime"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get tasks of device %d: %w", deviceID, err)
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("get tasks of device %d: response is not json", deviceID)
	}
	return json.RawMessage(resp.Body), nil
}

// PatchBacklightAndValidate patches a device and reads the status back.
func (c *Client) PatchBacklightAndValidate(ctx context.Context, deviceID int64, switchStatus int) error {
	return c.patchAndValidate(ctx, deviceID, switchStatus, c.shadow)
}

func (c *Client) patchAndValidate(ctx context.Context, deviceID int64, switchStatus int, shadow bool) error {
	if err := c.patchBacklight(ctx, deviceID, switchStatus, shadow); err != nil {
		return err
	}
	status, err := c.GetBacklightStatus(ctx, deviceID)
	if err != nil {
		return err
	}
	if shadow {
		c.logger.Info().Int64("device_id", deviceID).Msg("No status check because of shadow mode")
		return nil
	}
	if status != switchStatus {
		return &ValidationError{DeviceID: deviceID, Want: switchStatus, Got: status}
	}
	return nil
}

// PatchBacklightAndValidateBulk patches and validates every device through
// the bulk orchestrator. The per-item timeout is the client timeout. Shadow
// mode applies when either the client or the call requests it. The result has
// one entry per device, in input order.
func (c *Client) PatchBacklightAndValidateBulk(ctx context.Context, deviceIDs []int64, switchStatus int, shadow bool) ([]PatchResult, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	shadow = shadow || c.shadow
	mode := ModeProduction
	if shadow {
		mode = ModeShadow
	}

	tasks := make([]bulk.Task[struct{}], len(deviceIDs))
	for i, id := range deviceIDs {
		tasks[i] = bulk.Task[struct{}]{
			Key: strconv.FormatInt(id, 10),
			Run: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, c.patchAndValidate(ctx, id, switchStatus, shadow)
			},
		}
	}

	c.logger.Debug().
		Int("devices", len(deviceIDs)).
		Int("workers", c.workers).
		Str("mode", string(mode)).
		Msg("Starting bulk patching and validation")

	results, err := bulk.RunAll(ctx, tasks, bulk.Options{
		Workers:        c.workers,
		PerItemTimeout: c.timeout,
		Mode:           string(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("bulk patch: %w", err)
	}

	out := make([]PatchResult, len(results))
	failed := 0
	for i, r := range results {
		out[i] = PatchResult{
			DeviceID: deviceIDs[i],
			Start:    r.Start.UTC().Format(TimestampLayout),
			End:      r.End.UTC().Format(TimestampLayout),
			Err:      r.Err,
			TimedOut: r.TimedOut,
			Mode:     Mode(r.Mode),
		}
		if r.Err != nil {
			failed++
			c.logger.Debug().Err(r.Err).Int64("device_id", deviceIDs[i]).Msg("Patch and validate failed")
		}
	}

	c.logger.Info().
		Int("devices", len(out)).
		Int("failed", failed).
		Str("mode", string(mode)).
		Msg("Bulk patching and validation complete")
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
