package sipass

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/reservio/accessgate/internal/acerr"
)

// successCodes the remote uses; everything else is an error.
func isSuccess(code int) bool {
	return code == http.StatusOK || code == http.StatusCreated || code == http.StatusNoContent
}

// httpClient builds the HTTP client lazily from the immutable driver config.
// TLS material is supplied inline as PEM and loaded straight into the TLS
// config.
func (d *Driver) httpClient() (*http.Client, error) {
	d.clientOnce.Do(func() {
		cfg := d.config()
		tlsCfg := &tls.Config{}
		if !cfg.VerifyTLS {
			tlsCfg.InsecureSkipVerify = true
		}
		if cfg.TLSCACert != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(cfg.TLSCACert)) {
				d.clientErr = fmt.Errorf("tls_ca_cert does not contain a valid PEM certificate")
				return
			}
			tlsCfg.RootCAs = pool
		}
		if cfg.TLSClientCert != "" {
			cert, err := tls.X509KeyPair([]byte(cfg.TLSClientCert), []byte(cfg.TLSClientCert))
			if err != nil {
				d.clientErr = fmt.Errorf("loading tls_client_cert: %w", err)
				return
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		timeout := d.env.RemoteTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		d.client = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	})
	return d.client, d.clientErr
}

// requestUnauth performs one API request without session handling. Non-2xx
// responses invalidate the object cache; 401 additionally drops the cached
// session token so the next attempt re-authenticates.
func (d *Driver) requestUnauth(ctx context.Context, method, path string, body any, params url.Values, headers map[string]string, out any) error {
	cfg := d.config()
	u := cfg.APIURL + "/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("clientUniqueId", cfg.ClientID)
	req.Header.Set("language", "English")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client, err := d.httpClient()
	if err != nil {
		return err
	}

	d.logger.Debug().Str("method", method).Str("url", u).Msg("remote request")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		var remote struct {
			ErrorCode any    `json:"ErrorCode"`
			Message   string `json:"Message"`
		}
		if len(respBody) > 0 {
			_ = json.Unmarshal(respBody, &remote)
		}
		d.logger.Error().
			Int("status", resp.StatusCode).
			Interface("error_code", remote.ErrorCode).
			Str("message", remote.Message).
			Msg("remote API error")

		// Something might have changed behind our back; refill lazily.
		d.nukeObjectCache()

		if resp.StatusCode == http.StatusUnauthorized {
			// The token may have expired before its recorded expiry. Drop
			// it and let the upper-layer retry re-authenticate.
			d.dropToken()
		}
		return acerr.NewAPIError(d.system.Name, resp.StatusCode, remote.Message)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &acerr.RemoteError{Message: "decoding response", Err: err}
	}
	return nil
}

func (d *Driver) apiGet(ctx context.Context, path string, params url.Values, out any) error {
	token, err := d.ensureToken(ctx)
	if err != nil {
		return err
	}
	return d.requestUnauth(ctx, "GET", path, nil, params, map[string]string{
		"Authorization": token.Value,
	}, out)
}

func (d *Driver) apiPost(ctx context.Context, path string, body, out any) error {
	token, err := d.ensureToken(ctx)
	if err != nil {
		return err
	}
	return d.requestUnauth(ctx, "POST", path, body, nil, map[string]string{
		"Authorization": token.Value,
	}, out)
}

func (d *Driver) apiDelete(ctx context.Context, path string) error {
	token, err := d.ensureToken(ctx)
	if err != nil {
		return err
	}
	return d.requestUnauth(ctx, "DELETE", path, nil, nil, map[string]string{
		"Authorization": token.Value,
	}, nil)
}
