package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPWebhookSender 将告警内容以 JSON 形式 POST 到指定地址。
type HTTPWebhookSender struct {
	URL    string
	Client *http.Client
}

// NewHTTPWebhookSender 创建 Webhook 发送器。
func NewHTTPWebhookSender(url string, timeout time.Duration) (*HTTPWebhookSender, error) {
	if url == "" {
		return nil, errors.New("webhook url 不能为空")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPWebhookSender{URL: url, Client: &http.Client{Timeout: timeout}}, nil
}

// Send 实现 WebhookSender。
func (s *HTTPWebhookSender) Send(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook 返回异常状态码: %d", resp.StatusCode)
	}
	return nil
}

// SlackWebhookSender 通过 Slack incoming webhook 发送消息。
type SlackWebhookSender struct {
	URL    string
	Client *http.Client
}

// NewSlackWebhookSender 创建 Slack 发送器。
func NewSlackWebhookSender(url string) (*SlackWebhookSender, error) {
	if url == "" {
		return nil, errors.New("slack webhook url 不能为空")
	}
	return &SlackWebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}, nil
}

// Send 实现 SlackSender。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack 返回异常状态码: %d", resp.StatusCode)
	}
	return nil
}
