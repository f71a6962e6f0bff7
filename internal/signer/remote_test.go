// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package signer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sign-stub", func(w http.ResponseWriter, r *http.Request) {
		var req signStubRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(signResponse{SignedBytes: append([]byte("signed:"), req.Bytes...)})
	})
	mux.HandleFunc("/sign-store-path", func(w http.ResponseWriter, r *http.Request) {
		var req signStorePathRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(signResponse{SignedBytes: []byte("signed-store:" + req.StorePath)})
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{Signed: true, ValidAccordingToSecureBootPolicy: true})
	})
	mux.HandleFunc("/public-key", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("public-key-bytes"))
	})
	return httptest.NewServer(mux)
}

func TestRemoteSign(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	r := NewRemote(srv.URL, nil)
	out, err := r.Sign(context.Background(), []byte("uki-bytes"))

	require.NoError(t, err)
	require.Equal(t, "signed:uki-bytes", string(out))
}

func TestRemoteSignStorePath(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	r := NewRemote(srv.URL, nil)
	out, err := r.SignStorePath(context.Background(), "/nix/store/abc-foo")

	require.NoError(t, err)
	require.Equal(t, "signed-store:/nix/store/abc-foo", string(out))
}

func TestRemoteVerify(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	r := NewRemote(srv.URL, nil)
	result, err := r.Verify(context.Background(), []byte("data"))

	require.NoError(t, err)
	require.Equal(t, VerifyResult{Signed: true, ValidUnderPolicy: true}, result)
}

func TestRemotePublicKeyBytes(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	r := NewRemote(srv.URL, nil)
	out, err := r.PublicKeyBytes(context.Background())

	require.NoError(t, err)
	require.Equal(t, "public-key-bytes", string(out))
}
