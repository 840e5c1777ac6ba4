package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/dxdirectory/dxClient/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitCmd(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, "init", "--home", home, "--directory-address", "0x00000000000000000000000000000000000000D1", "--chain-id", "42")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(home, "config", "dxdirectory_config.json"))

	cfg, err := config.Load(home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.NodeHome)
	assert.Equal(t, "0x00000000000000000000000000000000000000d1", cfg.DirectoryAddress)
	assert.Equal(t, int64(42), cfg.ChainID)

	_, err = execute(t, "init", "--home", home)
	assert.ErrorContains(t, err, "config already exists")
	_, err = execute(t, "init", "--home", home, "--overwrite")
	require.NoError(t, err)
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dxdirectoryd")
	assert.Contains(t, out, Version)
}

func TestQueryCmds(t *testing.T) {
	var lastBody string
	var lastAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		lastAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/entries/count":
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "Data entry count is retrieved.", "data": map[string]any{"entryCount": 3}})
		case "/api/v1/entries":
			_ = json.NewEncoder(w).Encode(map[string]any{"message": r.URL.RawQuery, "data": []any{}})
		case "/api/v1/audit":
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "ok", "data": []any{}})
		case "/api/v1/requests/UserLogin":
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "Wrong user ID or password.", "code": "IDENTITY"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	out, err := execute(t, "query", "count", "--node", server.URL, "-o", "json")
	require.NoError(t, err)
	var printed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	assert.Equal(t, "Data entry count is retrieved.", printed["message"])
	assert.Equal(t, map[string]any{"entryCount": float64(3)}, printed["data"])

	out, err = execute(t, "q", "count", "--node", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "entryCount: 3")

	out, err = execute(t, "query", "entries", "--node", server.URL, "--title", "blood", "--age-lower", "20", "--include-withdrawn")
	require.NoError(t, err)
	assert.Contains(t, out, "ageLowerBound=20&dataEntryTitle=blood&includeWithdrawn=true")

	_, err = execute(t, "query", "audit", "--node", server.URL, "--token", "tok")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", lastAuth)

	_, err = execute(t, "query", "submit", "UserLogin", "--node", server.URL, "--body", `{"userID":"C1"}`)
	assert.EqualError(t, err, "server error (IDENTITY): Wrong user ID or password.")
	assert.Equal(t, `{"userID":"C1"}`, lastBody)

	_, err = execute(t, "query", "submit", "UserLogin", "--node", server.URL, "--body", "{")
	assert.EqualError(t, err, "request body must be JSON")

	_, err = execute(t, "query", "nonce", "0xabc", "--node", server.URL)
	assert.EqualError(t, err, "server returned status 404")

	_, err = execute(t, "query", "count", "--node", server.URL, "-o", "xml")
	assert.EqualError(t, err, "unsupported output format: xml")
}

func TestQueryUsesConfiguredPort(t *testing.T) {
	home := t.TempDir()
	_, err := execute(t, "query", "count", "--home", home)
	assert.ErrorContains(t, err, "failed to load config")
}
