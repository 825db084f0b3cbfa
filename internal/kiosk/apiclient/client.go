package apiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"EMS-backend/internal/kiosk"
)

const defaultTimeout = 15 * time.Second

// Client: 勤怠サーバ（/api/v1）への HTTP クライアント。kiosk.API を実装する
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

var _ kiosk.API = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Login: トークンを取得して以降のリクエストに付ける
func (c *Client) Login(ctx context.Context, id, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/login", map[string]string{"id": id, "password": password}, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return errors.New("login response has no token")
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) Status(ctx context.Context, employeeID, date string) (kiosk.Status, error) {
	q := url.Values{"employee_id": {employeeID}}
	if date != "" {
		q.Set("date", date)
	}
	var out struct {
		CheckedIn  bool    `json:"checked_in"`
		CheckedOut bool    `json:"checked_out"`
		Shift      *string `json:"shift"`
	}
	if err := c.do(ctx, http.MethodGet, "/attendances/status?"+q.Encode(), nil, &out); err != nil {
		return kiosk.Status{}, err
	}
	st := kiosk.Status{CheckedIn: out.CheckedIn, CheckedOut: out.CheckedOut}
	if out.Shift != nil {
		st.Shift = *out.Shift
	}
	return st, nil
}

type attendanceBody struct {
	EmployeeID string `json:"employee_id"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Photo      string `json:"photo"`
	Shift      string `json:"shift,omitempty"`
}

func (c *Client) CheckIn(ctx context.Context, req kiosk.CheckInRequest) (kiosk.Ack, error) {
	return c.ack(ctx, "/attendances/check-in", attendanceBody{
		EmployeeID: req.EmployeeID,
		Date:       req.Date,
		Time:       req.Time,
		Photo:      base64.StdEncoding.EncodeToString(req.Photo),
		Shift:      req.Shift,
	})
}

func (c *Client) CheckOut(ctx context.Context, req kiosk.CheckOutRequest) (kiosk.Ack, error) {
	return c.ack(ctx, "/attendances/check-out", attendanceBody{
		EmployeeID: req.EmployeeID,
		Date:       req.Date,
		Time:       req.Time,
		Photo:      base64.StdEncoding.EncodeToString(req.Photo),
	})
}

func (c *Client) RequestOvertime(ctx context.Context, req kiosk.OvertimeRequest) (kiosk.Ack, error) {
	body := struct {
		EmployeeID  string    `json:"employee_id"`
		Hours       float64   `json:"hours"`
		Note        string    `json:"note,omitempty"`
		RequestedAt time.Time `json:"requested_at"`
	}{req.EmployeeID, req.Hours, req.Note, req.RequestedAt}
	return c.ack(ctx, "/overtime-requests", body)
}

func (c *Client) LatestOvertime(ctx context.Context, employeeID string) (*kiosk.LatestOvertime, error) {
	var out struct {
		RequestedAt time.Time `json:"requested_at"`
		Hours       float64   `json:"hours"`
	}
	path := "/overtime-requests/latest?" + url.Values{"employee_id": {employeeID}}.Encode()
	found := false
	if err := c.doStatus(ctx, http.MethodGet, path, nil, &out, &found); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &kiosk.LatestOvertime{RequestedAt: out.RequestedAt, Hours: out.Hours}, nil
}

// ack: {success, message} を返すエンドポイント。success=false は拒否として扱う
func (c *Client) ack(ctx context.Context, path string, body any) (kiosk.Ack, error) {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return kiosk.Ack{}, err
	}
	return kiosk.Ack{Success: out.Success, Message: out.Message}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.doStatus(ctx, method, path, in, out, nil)
}

// doStatus: 2xx はデコード、4xx は RejectedError、それ以外（5xx・通信失敗）は通常の error。
// found が非nilなら 204 のとき false を返す
func (c *Client) doStatus(ctx context.Context, method, path string, in, out any, found *bool) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		if found != nil {
			*found = false
		}
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if found != nil {
			*found = true
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return rejection(resp.StatusCode, raw)
	default:
		return fmt.Errorf("%s %s: server error %d", method, path, resp.StatusCode)
	}
}

// rejection: {"message", "error":{"code","message"}} を読む。読めなければステータス文言
func rejection(status int, raw []byte) *kiosk.RejectedError {
	e := &kiosk.RejectedError{StatusCode: status}
	var env struct {
		Message string `json:"message"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil {
		e.Code = env.Error.Code
		e.Message = env.Message
		if e.Message == "" {
			e.Message = env.Error.Message
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
