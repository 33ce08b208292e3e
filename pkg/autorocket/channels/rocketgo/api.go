package rocketgo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
)

// apiClient talks to the panel's HTTP API. The websocket only delivers
// events; every action (send, mark read, history) goes through HTTP with the
// bearer token obtained at login.
type apiClient struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *apiClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// apiEnvelope is the common response wrapper. code 200 means success.
type apiEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e apiEnvelope) ok() bool { return e.Code == http.StatusOK }

// doJSON performs one API request and decodes the response into out (which
// must embed apiEnvelope or at least carry code/msg).
func (c *apiClient) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// FetchIdentity returns the operator's user id (csId on outbound payloads).
func (c *apiClient) FetchIdentity(ctx context.Context) (string, error) {
	var out struct {
		apiEnvelope
		User struct {
			UserID flexString `json:"userId"`
		} `json:"user"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/getInfo", nil, nil, &out); err != nil {
		return "", err
	}
	if !out.ok() {
		return "", fmt.Errorf("getInfo: %s (code %d)", out.Msg, out.Code)
	}
	if out.User.UserID == "" {
		return "", fmt.Errorf("getInfo: empty user id")
	}
	return out.User.UserID.String(), nil
}

// FetchSessionToken returns the websocket session token for the operator.
func (c *apiClient) FetchSessionToken(ctx context.Context) (string, error) {
	var out struct {
		apiEnvelope
		CsRow struct {
			TokenID flexString `json:"tokenId"`
		} `json:"csRow"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/getCsList", nil, nil, &out); err != nil {
		return "", err
	}
	if !out.ok() {
		return "", fmt.Errorf("getCsList: %s (code %d)", out.Msg, out.Code)
	}
	if out.CsRow.TokenID == "" {
		return "", fmt.Errorf("getCsList: empty session token")
	}
	return out.CsRow.TokenID.String(), nil
}

// SendMessage posts one outbound text segment to a conversation.
func (c *apiClient) SendMessage(ctx context.Context, operatorID string, seg *channels.OutboundSegment) error {
	payload := map[string]any{
		"csId":         operatorID,
		"chatContent":  seg.Text,
		"csUsername":   seg.AccountID,
		"username":     seg.FriendID,
		"csChatUserId": seg.UserID,
		"messageId":    uuid.NewString(),
		"isSend":       1,
		"isRead":       1,
		"chatIndex":    1,
		"chatType":     smsTypeText,
		"isFakePkmsg":  0,
	}

	var out apiEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/chat/sendMsg", nil, payload, &out); err != nil {
		return err
	}
	if !out.ok() {
		return fmt.Errorf("sendMsg: %s (code %d)", out.Msg, out.Code)
	}
	return nil
}

// SetRead marks one chat-log row as read on the panel.
func (c *apiClient) SetRead(ctx context.Context, chatLogID string) error {
	var out apiEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/chat/setRead/"+url.PathEscape(chatLogID), nil, nil, &out); err != nil {
		return err
	}
	if !out.ok() {
		return fmt.Errorf("setRead: %s (code %d)", out.Msg, out.Code)
	}
	return nil
}

// UnreadCount returns the total number of unread inbound messages.
func (c *apiClient) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		apiEnvelope
		Total int `json:"total"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/getNotReadNum", nil, nil, &out); err != nil {
		return 0, err
	}
	if !out.ok() {
		return 0, fmt.Errorf("getNotReadNum: %s (code %d)", out.Msg, out.Code)
	}
	return out.Total, nil
}

// accountRow is one operator account with pending unread messages.
type accountRow struct {
	Username flexString `json:"username"`
	ReadNum  int        `json:"readNum"`
}

// AccountList returns the operator accounts and their unread counts.
func (c *apiClient) AccountList(ctx context.Context) ([]accountRow, error) {
	var out struct {
		apiEnvelope
		Rows []accountRow `json:"rows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/accountList", nil, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("accountList: %s (code %d)", out.Msg, out.Code)
	}
	return out.Rows, nil
}

// friendRow is one conversation partner under an operator account.
type friendRow struct {
	Username     flexString `json:"username"`
	CsChatUserID flexString `json:"csChatUserId"`
	ReadNum      int        `json:"readNum"`
}

// FriendList returns the conversations under one operator account.
func (c *apiClient) FriendList(ctx context.Context, account string) ([]friendRow, error) {
	q := url.Values{"csUsername": {account}}
	var out struct {
		apiEnvelope
		Rows []friendRow `json:"rows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/accountChatList", q, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("accountChatList: %s (code %d)", out.Msg, out.Code)
	}
	return out.Rows, nil
}

// chatLogRow is one historical message in a conversation.
type chatLogRow struct {
	ID          flexString `json:"id"`
	MessageID   flexString `json:"messageId"`
	ChatContent string     `json:"chatContent"`
	IsSend      int        `json:"isSend"`
	IsRead      int        `json:"isRead"`
	SMS         *wsSMS     `json:"sms"`
}

// ChatLog returns the recent messages for one conversation, oldest first.
func (c *apiClient) ChatLog(ctx context.Context, account, friend string, pageSize int) ([]chatLogRow, error) {
	q := url.Values{
		"csUsername": {account},
		"username":   {friend},
		"pageSize":   {fmt.Sprint(pageSize)},
	}
	var out struct {
		apiEnvelope
		Rows []chatLogRow `json:"rows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/chatLogList", q, nil, &out); err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("chatLogList: %s (code %d)", out.Msg, out.Code)
	}
	return out.Rows, nil
}
