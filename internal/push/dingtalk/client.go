// Package dingtalk posts markdown messages to a DingTalk robot webhook.
package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

var ErrNoWebhook = errors.New("dingtalk webhook is empty")

type Client struct {
	webhook    string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

type Response struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type markdownMessage struct {
	MsgType  string       `json:"msgtype"`
	Markdown markdownBody `json:"markdown"`
}

type markdownBody struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func NewClient(webhook, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		webhook:    webhook,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.webhook != ""
}

func (c *Client) SendMarkdown(ctx context.Context, title, markdown string) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNoWebhook
	}

	body, err := json.Marshal(markdownMessage{
		MsgType:  "markdown",
		Markdown: markdownBody{Title: title, Text: markdown},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint, err := c.signedURL()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) signedURL() (string, error) {
	if c.secret == "" {
		return c.webhook, nil
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	u, err := url.Parse(c.webhook)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", sign(ts+"\n"+c.secret, c.secret))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
