package wacz

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
)

// Signature is the signing server's answer, stored as signedData in
// datapackage-digest.json. A signature is either key-based (PublicKey) or
// domain-based (Domain, DomainCert, TimeSignature, TimestampCert).
type Signature struct {
	Hash            string `json:"hash"`
	Created         string `json:"created"`
	Software        string `json:"software,omitempty"`
	Version         string `json:"version,omitempty"`
	Signature       string `json:"signature"`
	PublicKey       string `json:"publicKey,omitempty"`
	Domain          string `json:"domain,omitempty"`
	DomainCert      string `json:"domainCert,omitempty"`
	TimeSignature   string `json:"timeSignature,omitempty"`
	TimestampCert   string `json:"timestampCert,omitempty"`
	CrossSignedCert string `json:"crossSignedCert,omitempty"`
}

// Signer signs the datapackage digest of an archive.
type Signer interface {
	Sign(ctx context.Context, hash string, created time.Time) (*Signature, error)
}

// HTTPSigner posts digests to a remote signing server.
type HTTPSigner struct {
	url    string
	token  string
	client *http.Client
	logger logging.Logger

	// MaxElapsed bounds retries of transient failures.
	MaxElapsed time.Duration
}

// NewHTTPSigner returns a signer for the server at url. token, when set, is
// sent as a bearer token.
func NewHTTPSigner(url, token string, client *http.Client, logger logging.Logger) *HTTPSigner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = interfaces.NopLogger{}
	}
	return &HTTPSigner{url: url, token: token, client: client, logger: logger, MaxElapsed: 30 * time.Second}
}

type signRequest struct {
	Hash    string `json:"hash"`
	Created string `json:"created"`
}

// Sign requests a signature for hash. Network errors and 5xx answers are
// retried with exponential backoff; anything else fails immediately.
func (s *HTTPSigner) Sign(ctx context.Context, hash string, created time.Time) (*Signature, error) {
	payload, err := json.Marshal(signRequest{Hash: hash, Created: exchange.FormatDate(created)})
	if err != nil {
		return nil, &SigningError{Reason: "encode request", Err: err}
	}

	var sig *Signature
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(&SigningError{Reason: "build request", Err: err})
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Warn("signing request failed", logging.Int("attempt", attempt), logging.Err(err))
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Warn("signing server unavailable", logging.Int("attempt", attempt), logging.Int("status", resp.StatusCode))
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&SigningError{Reason: fmt.Sprintf("server answered %d", resp.StatusCode)})
		}
		var got Signature
		if err := json.Unmarshal(body, &got); err != nil {
			return backoff.Permanent(&SigningError{Reason: "response is not JSON", Err: err})
		}
		if err := validateSignature(&got, hash); err != nil {
			return backoff.Permanent(err)
		}
		sig = &got
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var se *SigningError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SigningError{Reason: "request failed", Err: err}
	}
	return sig, nil
}

func validateSignature(sig *Signature, hash string) error {
	invalid := func(reason string) error { return &SigningError{Reason: "invalid response: " + reason} }
	if sig.Hash != hash {
		return invalid(fmt.Sprintf("hash %q does not match %q", sig.Hash, hash))
	}
	if _, err := time.Parse(time.RFC3339Nano, sig.Created); err != nil {
		return invalid("created is not an ISO date")
	}
	if !isBase64(sig.Signature) {
		return invalid("signature is not base64")
	}
	if sig.PublicKey != "" {
		if !isBase64(sig.PublicKey) {
			return invalid("publicKey is not base64")
		}
		return nil
	}
	if sig.Domain == "" || sig.DomainCert == "" || sig.TimestampCert == "" {
		return invalid("needs publicKey or domain, domainCert and timestampCert")
	}
	if !isBase64(sig.TimeSignature) {
		return invalid("timeSignature is not base64")
	}
	return nil
}

func isBase64(s string) bool {
	if s == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}
