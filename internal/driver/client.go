package driver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/retry"
)

// Android keycodes used for navigation.
const (
	keycodeHome = 3
	keycodeBack = 4
)

// w3cElementKey is the element id key in W3C find responses.
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// ErrNoSuchElement is returned when a locator matches nothing.
var ErrNoSuchElement = dferrors.New("no such element")

// Client talks to the remote automation backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a driver client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "driver"),
	}
}

// CreateSession opens a new automation session for a device. The MJPEG
// port is handed to the backend so the session streams on it.
func (c *Client) CreateSession(ctx context.Context, deviceID string, mjpegPort int) (*RemoteSession, error) {
	req := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"platformName":           "Android",
				"appium:automationName":  "UiAutomator2",
				"appium:udid":            deviceID,
				"appium:mjpegServerPort": mjpegPort,
				"appium:newCommandTimeout": 300,
			},
		},
	}
	var resp struct {
		Value struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	// A refused connection never reached the backend, so retrying
	// cannot leave a half-created session behind.
	err := retry.Do(ctx, retry.SessionConfig(), func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/session", req, &resp)
	})
	if err != nil {
		return nil, dferrors.Wrapf(err, "create session for %s", deviceID)
	}
	if resp.Value.SessionID == "" {
		return nil, dferrors.Wrap(dferrors.ErrDriverRejected, "backend returned empty session id")
	}
	return &RemoteSession{client: c, sessionID: resp.Value.SessionID, deviceID: deviceID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dferrors.Wrapf(dferrors.ErrDriverUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		var w3cErr struct {
			Value struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			} `json:"value"`
		}
		if json.Unmarshal(data, &w3cErr) == nil && w3cErr.Value.Error == "no such element" {
			return ErrNoSuchElement
		}
		return dferrors.Wrapf(dferrors.ErrDriverRejected, "%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// RemoteSession is one live backend session. It implements both the
// Driver and Actions handles over the same session id.
type RemoteSession struct {
	client    *Client
	sessionID string
	deviceID  string
}

var (
	_ Driver  = (*RemoteSession)(nil)
	_ Actions = (*RemoteSession)(nil)
)

func (s *RemoteSession) SessionID() string { return s.sessionID }

func (s *RemoteSession) path(suffix string) string {
	return "/session/" + s.sessionID + suffix
}

func (s *RemoteSession) WindowSize(ctx context.Context) (int, int, error) {
	var resp struct {
		Value struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"value"`
	}
	if err := s.client.do(ctx, http.MethodGet, s.path("/window/rect"), nil, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Value.Width, resp.Value.Height, nil
}

func (s *RemoteSession) Screenshot(ctx context.Context) ([]byte, error) {
	var resp struct {
		Value string `json:"value"`
	}
	if err := s.client.do(ctx, http.MethodGet, s.path("/screenshot"), nil, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return data, nil
}

func (s *RemoteSession) Source(ctx context.Context) (string, error) {
	var resp struct {
		Value string `json:"value"`
	}
	if err := s.client.do(ctx, http.MethodGet, s.path("/source"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (s *RemoteSession) StartRecording(ctx context.Context, opts RecordingOptions) error {
	body := map[string]any{
		"options": map[string]any{
			"bitRate":      opts.BitRate,
			"videoSize":    opts.VideoSize,
			"timeLimit":    int(opts.TimeLimit.Seconds()),
			"forceRestart": opts.ForceRestart,
		},
	}
	return s.client.do(ctx, http.MethodPost, s.path("/appium/start_recording_screen"), body, nil)
}

func (s *RemoteSession) StopRecording(ctx context.Context) ([]byte, error) {
	var resp struct {
		Value string `json:"value"`
	}
	if err := s.client.do(ctx, http.MethodPost, s.path("/appium/stop_recording_screen"), map[string]any{}, &resp); err != nil {
		return nil, err
	}
	if resp.Value == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(resp.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recording: %w", err)
	}
	return data, nil
}

func (s *RemoteSession) Delete(ctx context.Context) error {
	return s.client.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}

// Stop releases action-side resources. The backend tears everything
// down with the session, so nothing is held here.
func (s *RemoteSession) Stop() {}

// findElement resolves a locator to a W3C element id.
func (s *RemoteSession) findElement(ctx context.Context, strategy Strategy, selector string) (string, error) {
	using, value := translateLocator(strategy, selector)
	var resp struct {
		Value map[string]string `json:"value"`
	}
	if err := s.client.do(ctx, http.MethodPost, s.path("/element"), map[string]string{
		"using": using,
		"value": value,
	}, &resp); err != nil {
		return "", err
	}
	id := resp.Value[w3cElementKey]
	if id == "" {
		return "", ErrNoSuchElement
	}
	return id, nil
}

// translateLocator maps the scenario strategies onto backend locator
// strategies. Text lookups become an XPath over the text attribute.
func translateLocator(strategy Strategy, selector string) (string, string) {
	switch strategy {
	case StrategyText:
		return "xpath", fmt.Sprintf("//*[@text=%q]", selector)
	case StrategyID:
		return "id", selector
	case StrategyAccessibility:
		return "accessibility id", selector
	default:
		return "xpath", selector
	}
}

func (s *RemoteSession) ElementExists(ctx context.Context, strategy Strategy, selector string) (bool, error) {
	_, err := s.findElement(ctx, strategy, selector)
	if err == nil {
		return true, nil
	}
	if dferrors.Is(err, ErrNoSuchElement) {
		return false, nil
	}
	return false, err
}

func (s *RemoteSession) TextExists(ctx context.Context, text string) (bool, error) {
	return s.ElementExists(ctx, StrategyText, text)
}

func (s *RemoteSession) TapElement(ctx context.Context, strategy Strategy, selector string) error {
	id, err := s.findElement(ctx, strategy, selector)
	if err != nil {
		return err
	}
	return s.client.do(ctx, http.MethodPost, s.path("/element/"+id+"/click"), map[string]any{}, nil)
}

func (s *RemoteSession) Tap(ctx context.Context, x, y int) error {
	return s.performPointer(ctx, pointerTap(x, y, 100*time.Millisecond))
}

func (s *RemoteSession) DoubleTap(ctx context.Context, x, y int) error {
	seq := pointerTap(x, y, 50*time.Millisecond)
	seq = append(seq, pointerTap(x, y, 50*time.Millisecond)...)
	return s.performPointer(ctx, seq)
}

func (s *RemoteSession) LongPress(ctx context.Context, x, y int, duration time.Duration) error {
	if duration <= 0 {
		duration = time.Second
	}
	return s.performPointer(ctx, pointerTap(x, y, duration))
}

func (s *RemoteSession) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	if duration <= 0 {
		duration = 300 * time.Millisecond
	}
	seq := []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": x1, "y": y1},
		{"type": "pointerDown", "button": 0},
		{"type": "pointerMove", "duration": duration.Milliseconds(), "x": x2, "y": y2},
		{"type": "pointerUp", "button": 0},
	}
	return s.performPointer(ctx, seq)
}

func pointerTap(x, y int, hold time.Duration) []map[string]any {
	return []map[string]any{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": hold.Milliseconds()},
		{"type": "pointerUp", "button": 0},
	}
}

func (s *RemoteSession) performPointer(ctx context.Context, seq []map[string]any) error {
	body := map[string]any{
		"actions": []map[string]any{
			{
				"type":       "pointer",
				"id":         "finger1",
				"parameters": map[string]string{"pointerType": "touch"},
				"actions":    seq,
			},
		},
	}
	return s.client.do(ctx, http.MethodPost, s.path("/actions"), body, nil)
}

func (s *RemoteSession) InputText(ctx context.Context, text string) error {
	chars := make([]string, 0, len(text))
	for _, r := range text {
		chars = append(chars, string(r))
	}
	return s.client.do(ctx, http.MethodPost, s.path("/keys"), map[string]any{"value": chars}, nil)
}

func (s *RemoteSession) ClearText(ctx context.Context) error {
	var resp struct {
		Value map[string]string `json:"value"`
	}
	if err := s.client.do(ctx, http.MethodGet, s.path("/element/active"), nil, &resp); err != nil {
		return err
	}
	id := resp.Value[w3cElementKey]
	if id == "" {
		return ErrNoSuchElement
	}
	return s.client.do(ctx, http.MethodPost, s.path("/element/"+id+"/clear"), map[string]any{}, nil)
}

func (s *RemoteSession) PressKey(ctx context.Context, keycode int) error {
	return s.client.do(ctx, http.MethodPost, s.path("/appium/device/press_keycode"), map[string]int{"keycode": keycode}, nil)
}

func (s *RemoteSession) Back(ctx context.Context) error {
	return s.PressKey(ctx, keycodeBack)
}

func (s *RemoteSession) Home(ctx context.Context) error {
	return s.PressKey(ctx, keycodeHome)
}

func (s *RemoteSession) LaunchApp(ctx context.Context, pkg string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/appium/device/activate_app"), map[string]string{"appId": pkg}, nil)
}

func (s *RemoteSession) TerminateApp(ctx context.Context, pkg string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/appium/device/terminate_app"), map[string]string{"appId": pkg}, nil)
}

func (s *RemoteSession) ClearData(ctx context.Context, pkg string) error {
	return s.execute(ctx, "mobile: shell", map[string]any{
		"command": "pm",
		"args":    []string{"clear", pkg},
	})
}

func (s *RemoteSession) ClearCache(ctx context.Context, pkg string) error {
	return s.execute(ctx, "mobile: clearApp", map[string]any{"appId": pkg})
}

func (s *RemoteSession) execute(ctx context.Context, script string, arg map[string]any) error {
	body := map[string]any{
		"script": script,
		"args":   []any{arg},
	}
	return s.client.do(ctx, http.MethodPost, s.path("/execute/sync"), body, nil)
}
