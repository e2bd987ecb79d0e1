package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// oauthClient 负责与 OAuth 2.0 提供者交互以进行令牌交换和验证。
type oauthClient struct {
	config OAuthOptions
	client *http.Client
}

// oauthTokenResponse 定义 OAuth 令牌响应的结构。
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// introspectionResponse 定义 OAuth 令牌内省响应的结构。
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub"`
	Username  string `json:"username"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	ClientID  string `json:"client_id"`
	TokenType string `json:"token_type"`
}

// oauthSubject 定义通过 OAuth 内省获得的主体信息。
type oauthSubject struct {
	Active      bool
	Subject     string
	Username    string
	Roles       []string
	Permissions []string
}

// newOAuthClient 创建并配置一个新的 OAuth 客户端实例。
func newOAuthClient(cfg OAuthOptions) (*oauthClient, error) {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil, errors.New("oauth introspection_url must be configured")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &oauthClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

// exchange 处理 OAuth 令牌交换请求。
func (c *oauthClient) exchange(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if strings.TrimSpace(c.config.TokenURL) == "" {
		return nil, errors.New("oauth token_url must be configured for issuance")
	}
	form := url.Values{}
	if req.GrantType != "" {
		form.Set("grant_type", req.GrantType)
	}
	if req.Username != "" {
		form.Set("username", req.Username)
	}
	if req.Password != "" {
		form.Set("password", req.Password)
	}
	if len(req.Scope) > 0 {
		form.Set("scope", strings.Join(req.Scope, " "))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientID != "" {
		httpReq.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth token request failed: %s", resp.Status)
	}
	var tokenResp oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode oauth token response: %w", err)
	}
	scope := tokenResp.Scope
	if scope == "" && len(req.Scope) > 0 {
		scope = strings.Join(req.Scope, " ")
	}
	var scopes []string
	if scope != "" {
		scopes = strings.Fields(scope)
	}
	return &TokenPair{
		AccessToken:   tokenResp.AccessToken,
		ExpiresIn:     tokenResp.ExpiresIn,
		RefreshToken:  tokenResp.RefreshToken,
		TokenType:     tokenResp.TokenType,
		GrantedScopes: scopes,
	}, nil
}

// introspect 验证 OAuth 令牌并返回相应的主体信息。
func (c *oauthClient) introspect(ctx context.Context, token string) (*oauthSubject, error) {
	form := url.Values{}
	form.Set("token", token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientID != "" {
		httpReq.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth introspection failed: %s", resp.Status)
	}
	var introspect introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&introspect); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	var perms []string
	if introspect.Scope != "" {
		perms = strings.Fields(introspect.Scope)
	}
	return &oauthSubject{
		Active:      introspect.Active,
		Subject:     introspect.Subject,
		Username:    pickClaim(introspect, c.config.UsernameClaim),
		Permissions: perms,
	}, nil
}

// pickClaim 从内省响应中提取指定的声明值。
func pickClaim(resp introspectionResponse, claim string) string {
	switch strings.ToLower(claim) {
	case "username":
		return resp.Username
	case "sub", "subject":
		return resp.Subject
	case "client_id":
		return resp.ClientID
	default:
		if claim == "preferred_username" && resp.Username == "" {
			return resp.Subject
		}
		return resp.Username
	}
}
