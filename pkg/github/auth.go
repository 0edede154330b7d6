package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials selects the auth mode: App auth wins when the three App
// fields are all set, otherwise the PAT is used directly.
type Credentials struct {
	PAT            string
	AppID          string
	InstallationID string
	PrivateKeyPEM  string
}

func (c Credentials) appConfigured() bool {
	return c.AppID != "" && c.InstallationID != "" && c.PrivateKeyPEM != ""
}

// appJWT builds the short-lived App JWT used to mint installation tokens.
// Issued-at is backdated one minute to absorb clock skew.
func appJWT(creds Credentials, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("github: parse app private key: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(540 * time.Second).Unix(),
		"iss": creds.AppID,
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("github: sign app JWT: %w", err)
	}
	return signed, nil
}

// resolveToken returns a usable bearer token, exchanging an App JWT for an
// installation token when App credentials are configured.
func resolveToken(ctx context.Context, httpClient *http.Client, baseURL string, creds Credentials, now time.Time) (string, error) {
	if creds.appConfigured() {
		signed, err := appJWT(creds, now)
		if err != nil {
			return "", err
		}
		return installationToken(ctx, httpClient, baseURL, signed, creds.InstallationID)
	}
	if creds.PAT != "" {
		return creds.PAT, nil
	}
	return "", fmt.Errorf("github: no credentials: set a PAT or App id, installation id and private key")
}

func installationToken(ctx context.Context, httpClient *http.Client, baseURL, appJWT, installationID string) (string, error) {
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(""))
	if err != nil {
		return "", fmt.Errorf("github: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: installation token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("github: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("github: installation token exchange => %d: %s", resp.StatusCode, truncate(string(data), maxErrorBody))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("github: decode token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("github: installation token response had no token")
	}
	return out.Token, nil
}
