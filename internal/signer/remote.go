// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

// Remote talks to an external signing service over the HTTP API described
// in spec.md §6: POST /sign-stub, POST /sign-store-path, GET /verify, plus
// GET /public-key for PublicKeyBytes. No
// authentication layer is specified; callers inject one via HTTPClient's
// transport (e.g. a http.RoundTripper adding a bearer token) if needed.
type Remote struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ Signer = (*Remote)(nil)

func NewRemote(baseURL string, httpClient *http.Client) *Remote {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Remote{BaseURL: baseURL, HTTPClient: httpClient}
}

type signStubRequest struct {
	Bytes []byte `json:"bytes"`
}

type signStorePathRequest struct {
	StorePath string `json:"store_path"`
}

type signResponse struct {
	SignedBytes []byte `json:"signed_bytes"`
}

type verifyResponse struct {
	Signed                        bool `json:"signed"`
	ValidAccordingToSecureBootPolicy bool `json:"valid_according_to_secureboot_policy"`
}

func (r *Remote) Sign(ctx context.Context, input []byte) ([]byte, error) {
	var resp signResponse
	if err := r.postJSON(ctx, "/sign-stub", signStubRequest{Bytes: input}, &resp); err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, "remote sign-stub call failed")
	}
	return resp.SignedBytes, nil
}

// SignStorePath sends a store-path reference rather than raw bytes,
// reducing wire cost when the signing server shares the Nix store
// (spec.md §4.C).
func (r *Remote) SignStorePath(ctx context.Context, path string) ([]byte, error) {
	var resp signResponse
	if err := r.postJSON(ctx, "/sign-store-path", signStorePathRequest{StorePath: path}, &resp); err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, "remote sign-store-path call failed")
	}
	return resp.SignedBytes, nil
}

func (r *Remote) Verify(ctx context.Context, data []byte) (VerifyResult, error) {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("invalid remote signing server URL:\n%w", err)
	}
	u.Path = joinPath(u.Path, "verify")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return VerifyResult{}, err
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("remote verify call failed:\n%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return VerifyResult{}, fmt.Errorf("remote verify call returned %d: %s", resp.StatusCode, string(body))
	}

	var v verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return VerifyResult{}, fmt.Errorf("failed to decode verify response:\n%w", err)
	}

	return VerifyResult{Signed: v.Signed, ValidUnderPolicy: v.ValidAccordingToSecureBootPolicy}, nil
}

func (r *Remote) PublicKeyBytes(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote signing server URL:\n%w", err)
	}
	u.Path = joinPath(u.Path, "public-key")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote public-key call failed:\n%w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (r *Remote) postJSON(ctx context.Context, path string, reqBody any, respBody any) error {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid remote signing server URL:\n%w", err)
	}
	u.Path = joinPath(u.Path, path)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode request body:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed:\n%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response body:\n%w", err)
	}
	return nil
}

func joinPath(base, elem string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	for len(elem) > 0 && elem[0] == '/' {
		elem = elem[1:]
	}
	return base + "/" + elem
}
