// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/model"
)

// Config holds the connection settings for the hosted backend.
type Config struct {
	BaseURL string        // e.g. https://xyzcompany.supabase.co
	APIKey  string        // anon/service key, sent as apikey header
	Timeout time.Duration // zero means 30s
}

// SupabaseService talks to Supabase over HTTP: PostgREST for rows and RPCs,
// GoTrue for auth.
type SupabaseService struct {
	BaseURL string
	APIKey  string
	// Token returns the bearer token for authenticated calls. When nil or
	// when it returns an empty string, the API key is used instead.
	Token func(ctx context.Context) (string, error)
	HTTP  *http.Client
}

// NewSupabaseService builds an HTTP-backed Service.
func NewSupabaseService(cfg Config) *SupabaseService {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SupabaseService{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var _ Service = (*SupabaseService)(nil)

func (s *SupabaseService) bearer(ctx context.Context) (string, error) {
	if s.Token != nil {
		tok, err := s.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get access token: %w", err)
		}
		if tok != "" {
			return tok, nil
		}
	}
	return s.APIKey, nil
}

func (s *SupabaseService) do(ctx context.Context, method, path string, query url.Values, body any, prefer string) ([]byte, error) {
	u := s.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := s.bearer(ctx)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("apikey", s.APIKey)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		httpReq.Header.Set("Prefer", prefer)
	}

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// SelectRows fetches rows from a table, optionally filtered by equality on
// the given columns.
func (s *SupabaseService) SelectRows(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	query := url.Values{}
	query.Set("select", "*")

	cols := make([]string, 0, len(filter))
	for col := range filter {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		query.Set(col, "eq."+filter[col])
	}

	body, err := s.do(ctx, http.MethodGet, "/rest/v1/"+table, query, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows from %s: %w", table, err)
	}
	return rows, nil
}

// InsertRow upserts one row and returns the stored representation. Conflicts
// on the primary key merge, so replaying a queued INSERT is idempotent.
func (s *SupabaseService) InsertRow(ctx context.Context, table string, payload map[string]any) (map[string]any, error) {
	body, err := s.do(ctx, http.MethodPost, "/rest/v1/"+table, nil, payload,
		"return=representation,resolution=merge-duplicates")
	if err != nil {
		return nil, err
	}
	return firstRow(body, table)
}

// UpdateRow patches a row by primary key and returns the stored row.
func (s *SupabaseService) UpdateRow(ctx context.Context, table, recordID string, payload map[string]any) (map[string]any, error) {
	query := url.Values{}
	query.Set(model.PrimaryKeyColumn(table), "eq."+recordID)

	body, err := s.do(ctx, http.MethodPatch, "/rest/v1/"+table, query, payload, "return=representation")
	if err != nil {
		return nil, err
	}
	return firstRow(body, table)
}

// DeleteRow removes a row by primary key.
func (s *SupabaseService) DeleteRow(ctx context.Context, table, recordID string) error {
	query := url.Values{}
	query.Set(model.PrimaryKeyColumn(table), "eq."+recordID)

	_, err := s.do(ctx, http.MethodDelete, "/rest/v1/"+table, query, nil, "")
	return err
}

// BulkAdjustStock applies a set of quantity deltas in one RPC. The server
// clamps quantities at zero and reports old/new per product; op_id lets it
// detect a retried batch.
func (s *SupabaseService) BulkAdjustStock(ctx context.Context, adjustments []model.StockAdjustment) (*BulkAdjustResult, error) {
	body, err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/bulk_adjust_stock", nil,
		map[string]any{"adjustments": adjustments}, "")
	if err != nil {
		return nil, err
	}
	var result BulkAdjustResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode bulk_adjust_stock response: %w", err)
	}
	return &result, nil
}

// RefreshListIndex recomputes the index rows of a list from its mapping
// configuration. Only success/failure is consumed.
func (s *SupabaseService) RefreshListIndex(ctx context.Context, listID string) error {
	_, err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/refresh_list_index", nil,
		map[string]any{"list_id": listID}, "")
	return err
}

// UpsertProductsBatch bulk-writes product rows and their index rows during a
// list import/update.
func (s *SupabaseService) UpsertProductsBatch(ctx context.Context, listID, userID string, products []map[string]any) error {
	_, err := s.do(ctx, http.MethodPost, "/rest/v1/rpc/upsert_products_batch", nil,
		map[string]any{"list_id": listID, "user_id": userID, "products": products}, "")
	return err
}

// gotrueTokenResponse is the GoTrue token/signup payload.
type gotrueTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (r *gotrueTokenResponse) session() *Session {
	expires := time.Unix(r.ExpiresAt, 0)
	if r.ExpiresAt == 0 && r.ExpiresIn > 0 {
		expires = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return &Session{
		UserID:       r.User.ID,
		Email:        r.User.Email,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    expires,
	}
}

func (s *SupabaseService) authCall(ctx context.Context, path string, query url.Values, body any) (*Session, error) {
	respBody, err := s.do(ctx, http.MethodPost, path, query, body, "")
	if err != nil {
		return nil, err
	}
	var tok gotrueTokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	sess := tok.session()
	// Some GoTrue responses omit the user block; fall back to token claims.
	if sess.UserID == "" && sess.AccessToken != "" {
		if claims, err := ParseSessionClaims(sess.AccessToken); err == nil {
			sess.UserID = claims.UserID
			if sess.ExpiresAt.IsZero() {
				sess.ExpiresAt = claims.ExpiresAt
			}
		}
	}
	return sess, nil
}

// SignUp registers a new account and returns its session.
func (s *SupabaseService) SignUp(ctx context.Context, email, password string) (*Session, error) {
	return s.authCall(ctx, "/auth/v1/signup", nil,
		map[string]string{"email": email, "password": password})
}

// SignIn exchanges credentials for a session.
func (s *SupabaseService) SignIn(ctx context.Context, email, password string) (*Session, error) {
	query := url.Values{}
	query.Set("grant_type", "password")
	return s.authCall(ctx, "/auth/v1/token", query,
		map[string]string{"email": email, "password": password})
}

// SignInWithOAuth builds the GoTrue authorize URL for a provider. The caller
// opens it in a browser; the redirect carries the tokens for SetSession.
func (s *SupabaseService) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	if provider == "" {
		return "", fmt.Errorf("oauth provider is required")
	}
	query := url.Values{}
	query.Set("provider", provider)
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}
	return s.BaseURL + "/auth/v1/authorize?" + query.Encode(), nil
}

// SetSession adopts tokens obtained out-of-band (an OAuth redirect) as the
// current session. An already-expired access token is redeemed right away.
func (s *SupabaseService) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	claims, err := ParseSessionClaims(accessToken)
	if err != nil {
		return nil, err
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return s.RefreshSession(ctx, refreshToken)
	}
	return &Session{
		UserID:       claims.UserID,
		Email:        claims.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    claims.ExpiresAt,
	}, nil
}

// RefreshSession redeems a refresh token for a fresh session.
func (s *SupabaseService) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	query := url.Values{}
	query.Set("grant_type", "refresh_token")
	return s.authCall(ctx, "/auth/v1/token", query,
		map[string]string{"refresh_token": refreshToken})
}

// SignOut revokes the session server-side.
func (s *SupabaseService) SignOut(ctx context.Context, accessToken string) error {
	u := s.BaseURL + "/auth/v1/logout"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("apikey", s.APIKey)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func firstRow(body []byte, table string) (map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		// PostgREST returns a bare object for single-row Prefer modes.
		var row map[string]any
		if err2 := json.Unmarshal(body, &row); err2 == nil {
			return row, nil
		}
		return nil, fmt.Errorf("failed to decode %s response: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s write returned no representation", table)
	}
	return rows[0], nil
}
