package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenFile holds a saved authentication token.
type TokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Server    string    `json:"server"`
	Subject   string    `json:"subject"`
}

// IsExpired returns true if the token has expired (with optional margin). A
// token without expiry never expires.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// NewTokenFile builds a token file from a signed token. The claims are read
// without verification; only the server can verify them.
func NewTokenFile(token, server string) (*TokenFile, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	tf := &TokenFile{Token: token, Server: server, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		tf.ExpiresAt = claims.ExpiresAt.Time
	}
	return tf, nil
}

// RefreshResponse is the response from POST /api/v1/auth/refresh.
type RefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken refreshes the current token. Uses the current bearer token.
func (c *Client) RefreshToken(ctx context.Context) (*RefreshResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/refresh", nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("refresh failed (%d): %s", resp.StatusCode, string(data))
	}

	var result RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}

	c.SetAuthToken(result.Token)
	return &result, nil
}

// StartTokenRefreshLoop starts a goroutine that refreshes the token before it
// expires and saves it to path.
func (c *Client) StartTokenRefreshLoop(ctx context.Context, tf *TokenFile, path string) {
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !tf.IsExpired(1 * time.Hour) {
					continue
				}
				c.logger.Info("token expiring soon, refreshing")
				refreshResp, err := c.RefreshToken(ctx)
				if err != nil {
					c.logger.Error("token refresh failed", zap.Error(err))
					continue
				}
				tf.Token = refreshResp.Token
				tf.ExpiresAt = refreshResp.ExpiresAt
				if err := SaveToken(path, tf); err != nil {
					c.logger.Error("failed to save refreshed token", zap.Error(err))
				} else {
					c.logger.Info("token refreshed", zap.Time("expires", tf.ExpiresAt))
				}
			}
		}
	}()
}

// TokenFilePath returns the default path for the token file.
func TokenFilePath() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Explorer", "token.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "explorer", "token.json")
}

// SaveToken writes a token file to path, creating its directory.
func SaveToken(path string, tf *TokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a token file from path.
func LoadToken(path string) (*TokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

// DeleteToken removes the token file at path. A missing file is not an error.
func DeleteToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
