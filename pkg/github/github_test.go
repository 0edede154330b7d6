package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPATClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(context.Background(), Config{
		Owner:       "opsrunbook",
		Credentials: Credentials{PAT: "test-pat"},
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)
	return client
}

func TestCreatePRWithNotesFreshBranch(t *testing.T) {
	var prBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/opsrunbook/checkout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-pat", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "develop"})
	})
	mux.HandleFunc("GET /repos/opsrunbook/checkout/git/ref/heads/develop", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"object": map[string]any{"sha": "base-sha"}})
	})
	mux.HandleFunc("POST /repos/opsrunbook/checkout/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refs/heads/opsrunbook/OPS-9", body["ref"])
		assert.Equal(t, "base-sha", body["sha"])
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /repos/opsrunbook/checkout/contents/{path...}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("PUT /repos/opsrunbook/checkout/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "opsrunbook/OPS-9", body["branch"])
		assert.NotContains(t, body, "sha", "fresh file must not carry a file sha")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"commit": map[string]any{"sha": "commit-sha"}})
	})
	mux.HandleFunc("POST /repos/opsrunbook/checkout/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&prBody))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 41, "html_url": "https://github.com/opsrunbook/checkout/pull/41"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newPATClient(t, srv)
	res, err := client.CreatePRWithNotes(context.Background(), CreatePRRequest{
		Repo:          "checkout",
		BranchName:    "opsrunbook/OPS-9",
		Title:         "Incident notes",
		Body:          "body",
		FilePath:      ".opsrunbook/pr-notes/OPS-9.md",
		FileContent:   "# notes",
		CommitMessage: "Add incident notes",
	})
	require.NoError(t, err)

	assert.Equal(t, 41, res.PRNumber)
	assert.Equal(t, "commit-sha", res.CommitSHA)
	assert.Equal(t, "develop", res.DefaultBranch)
	assert.False(t, res.ReusedPR)
	assert.Equal(t, "develop", prBody["base"])
	assert.Equal(t, "opsrunbook/OPS-9", prBody["head"])
}

func TestCreatePRWithNotesReusesExistingPR(t *testing.T) {
	prCreates := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/opsrunbook/checkout", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "main"})
	})
	mux.HandleFunc("GET /repos/opsrunbook/checkout/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"object": map[string]any{"sha": "base-sha"}})
	})
	mux.HandleFunc("POST /repos/opsrunbook/checkout/git/refs", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Reference already exists"}`, http.StatusUnprocessableEntity)
	})
	mux.HandleFunc("GET /repos/opsrunbook/checkout/contents/{path...}", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": base64.StdEncoding.EncodeToString([]byte("old")),
			"sha":     "file-sha-1",
		})
	})
	mux.HandleFunc("PUT /repos/opsrunbook/checkout/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "file-sha-1", body["sha"], "update must carry existing file sha")
		_ = json.NewEncoder(w).Encode(map[string]any{"commit": map[string]any{"sha": "commit-sha-2"}})
	})
	mux.HandleFunc("GET /repos/opsrunbook/checkout/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "opsrunbook:opsrunbook/OPS-9", r.URL.Query().Get("head"))
		_ = json.NewEncoder(w).Encode([]map[string]any{{"number": 7, "html_url": "https://github.com/opsrunbook/checkout/pull/7"}})
	})
	mux.HandleFunc("POST /repos/opsrunbook/checkout/pulls", func(http.ResponseWriter, *http.Request) {
		prCreates++
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newPATClient(t, srv)
	res, err := client.CreatePRWithNotes(context.Background(), CreatePRRequest{
		Repo:       "checkout",
		BranchName: "opsrunbook/OPS-9",
		FilePath:   ".opsrunbook/pr-notes/OPS-9.md",
	})
	require.NoError(t, err)

	assert.True(t, res.ReusedPR)
	assert.Equal(t, 7, res.PRNumber)
	assert.Equal(t, "commit-sha-2", res.CommitSHA)
	assert.Zero(t, prCreates, "no second PR for an existing branch")
}

func TestAppAuthExchangesInstallationToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/5150/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err, "app JWT must verify against the app key")
		assert.Equal(t, "12345", claims["iss"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "installation-token"})
	})
	mux.HandleFunc("GET /repos/opsrunbook/checkout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer installation-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "main"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewHTTPClient(context.Background(), Config{
		Owner: "opsrunbook",
		Credentials: Credentials{
			AppID:          "12345",
			InstallationID: "5150",
			PrivateKeyPEM:  string(pemBytes),
		},
		BaseURL: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "main", client.DefaultBranch(context.Background(), "checkout"))
}

func TestNewHTTPClientNoCredentials(t *testing.T) {
	_, err := NewHTTPClient(context.Background(), Config{Owner: "opsrunbook"})
	assert.ErrorContains(t, err, "no credentials")
}

func TestDefaultBranchFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newPATClient(t, srv)
	assert.Equal(t, "main", client.DefaultBranch(context.Background(), "checkout"))
}

func TestGetFileAtRefDecodes(t *testing.T) {
	// GitHub wraps base64 content at 60 chars with embedded newlines.
	encoded := base64.StdEncoding.EncodeToString([]byte("line one\nline two"))
	wrapped := encoded[:8] + "\n" + encoded[8:]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("ref"))
		_ = json.NewEncoder(w).Encode(map[string]any{"content": wrapped, "sha": "file-sha"})
	}))
	defer srv.Close()

	client := newPATClient(t, srv)
	file, err := client.GetFileAtRef(context.Background(), "opsrunbook", "checkout", "src/app.py", "abc123")
	require.NoError(t, err)

	assert.Equal(t, "line one\nline two", file.Text)
	assert.Equal(t, "file-sha", file.SHA)
	assert.Equal(t, 2, file.LineCount, "no trailing newline still counts the last line")
	assert.Equal(t, 17, file.ByteSize)
}

func TestAPIErrorBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, strings.Repeat("x", 5000), http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newPATClient(t, srv)
	_, err := client.GetPR(context.Background(), "opsrunbook", "checkout", 1)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Len(t, apiErr.Body, maxErrorBody)
}

func TestCreateBranchNon422Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	client := newPATClient(t, srv)
	_, err := client.createBranch(context.Background(), "checkout", "b", "sha")
	require.Error(t, err)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestDryRunDeterministicRefs(t *testing.T) {
	client := NewDryRunClient("")

	first, err := client.CreatePRWithNotes(context.Background(), CreatePRRequest{Repo: "checkout", BranchName: "b"})
	require.NoError(t, err)
	second, err := client.CreatePRWithNotes(context.Background(), CreatePRRequest{Repo: "checkout", BranchName: "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, first.PRNumber)
	assert.Equal(t, "dryrun-sha-1", first.CommitSHA)
	assert.Equal(t, "https://github.com/dry-run-owner/checkout/pull/2", second.PRURL)
}
