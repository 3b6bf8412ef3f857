// Package remote provides the HTTP client for the Darkroom backend API.
// The backend is an opaque collaborator: this client only shapes requests
// and maps failures onto the application error taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/models"
)

// Config holds backend connection configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the Darkroom backend service.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new backend Client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// mapStatus converts an unexpected HTTP status into a taxonomy error.
func mapStatus(status int, body []byte) error {
	msg := fmt.Sprintf("remote returned status %d: %s", status, string(body))
	switch {
	case status == http.StatusPaymentRequired:
		return apperrors.New(apperrors.ErrInsufficientCredits, "remote rejected debit")
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, "remote record not found")
	case status >= 400 && status < 500:
		return apperrors.New(apperrors.ErrRemoteValidation, msg)
	default:
		return apperrors.New(apperrors.ErrNetworkUnavailable, msg)
	}
}

// do executes a JSON request. A transport failure (no route, timeout,
// connection refused) is always NETWORK_UNAVAILABLE.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapStatus(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to decode response", err)
		}
	}
	return nil
}

// upload sends raw bytes and decodes the issued public URL.
func (c *Client) upload(ctx context.Context, path string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to build upload", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetworkUnavailable, "upload failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetworkUnavailable, "failed to read upload response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", mapStatus(resp.StatusCode, body)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to decode upload response", err)
	}
	return result.URL, nil
}

// rollRecord is the wire shape of a roll upsert.
type rollRecord struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	FilmType    string  `json:"film_type"`
	Capacity    int     `json:"capacity"`
	ShotsUsed   int     `json:"shots_used"`
	CompletedAt *int64  `json:"completed_at,omitempty"`
	DevelopedAt *int64  `json:"developed_at,omitempty"`
	Title       *string `json:"title,omitempty"`
	Tags        string  `json:"tags"`
	AspectRatio string  `json:"aspect_ratio"`
}

// UpsertRoll creates or overwrites the roll's remote record. Overwrite
// safety makes backup retries idempotent.
func (c *Client) UpsertRoll(ctx context.Context, roll *models.Roll) error {
	record := rollRecord{
		ID:          roll.ID.String(),
		UserID:      roll.UserID,
		FilmType:    roll.FilmType,
		Capacity:    roll.Capacity,
		ShotsUsed:   roll.ShotsUsed,
		CompletedAt: roll.CompletedAt,
		DevelopedAt: roll.DevelopedAt,
		Title:       roll.Title,
		Tags:        roll.Tags,
		AspectRatio: roll.AspectRatio,
	}
	return c.do(ctx, http.MethodPut, "/v1/rolls/"+record.ID, nil, record, nil)
}

// DeleteRoll removes the roll's remote record.
func (c *Client) DeleteRoll(ctx context.Context, rollID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/rolls/"+rollID, nil, nil, nil)
}

// UploadPhoto uploads the full-size asset and returns its public URL.
func (c *Client) UploadPhoto(ctx context.Context, photoID string, data []byte) (string, error) {
	return c.upload(ctx, "/v1/photos/"+photoID+"/asset", data)
}

// UploadThumbnail uploads the thumbnail asset and returns its public URL.
func (c *Client) UploadThumbnail(ctx context.Context, photoID string, data []byte) (string, error) {
	return c.upload(ctx, "/v1/photos/"+photoID+"/thumbnail", data)
}

// CreatePost creates a post referencing a backed-up roll.
func (c *Client) CreatePost(ctx context.Context, userID, rollID, caption, albumID string) error {
	body := map[string]string{
		"user_id": userID,
		"roll_id": rollID,
		"caption": caption,
	}
	if albumID != "" {
		body["album_id"] = albumID
	}
	return c.do(ctx, http.MethodPost, "/v1/posts", nil, body, nil)
}

// CreatePrintOrder places a print order. The idempotency key makes
// retries after ambiguous failures safe.
func (c *Client) CreatePrintOrder(ctx context.Context, userID, idempotencyKey string, photoIDs []string, costPerPhoto int) (int, error) {
	body := map[string]interface{}{
		"user_id":        userID,
		"photo_ids":      photoIDs,
		"cost_per_photo": costPerPhoto,
	}
	var result struct {
		Credits int `json:"credits"`
	}
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	if err := c.do(ctx, http.MethodPost, "/v1/prints", headers, body, &result); err != nil {
		return 0, err
	}
	return result.Credits, nil
}

// AdjustCredits applies a signed delta to the remote balance.
func (c *Client) AdjustCredits(ctx context.Context, userID string, delta int, reason string) (int, error) {
	body := map[string]interface{}{"delta": delta, "reason": reason}
	var result struct {
		Credits int `json:"credits"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/profiles/"+userID+"/credits", nil, body, &result); err != nil {
		return 0, err
	}
	return result.Credits, nil
}

// FetchProfile reads the authoritative profile record.
func (c *Client) FetchProfile(ctx context.Context, userID string) (string, int, error) {
	var result struct {
		Username string `json:"username"`
		Credits  int    `json:"credits"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/profiles/"+userID, nil, nil, &result); err != nil {
		return "", 0, err
	}
	return result.Username, result.Credits, nil
}

// ConfirmUnlockCode checks a printed roll's unlock code against the
// remote record.
func (c *Client) ConfirmUnlockCode(ctx context.Context, rollID, code string) (bool, error) {
	body := map[string]string{"code": code}
	var result struct {
		Unlocked bool `json:"unlocked"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/rolls/"+rollID+"/unlock", nil, body, &result); err != nil {
		return false, err
	}
	return result.Unlocked, nil
}

// RecordActivity reports a gamification event. Best-effort on the caller
// side; failures here never fail the triggering operation.
func (c *Client) RecordActivity(ctx context.Context, userID, kind string) error {
	body := map[string]string{"user_id": userID, "kind": kind}
	return c.do(ctx, http.MethodPost, "/v1/activities", nil, body, nil)
}
