package audible

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/services"
)

const (
	productResponseGroups = "product_attrs,product_desc,contributors,media,series"
	requestTimeout        = 30 * time.Second
	userAgent             = "Audible/671 CFNetwork/1240.0.4 Darwin/20.6.0"
)

var regionDomains = map[string]string{
	"us": "com",
	"uk": "co.uk",
	"de": "de",
	"fr": "fr",
	"ca": "ca",
	"au": "com.au",
	"in": "in",
	"it": "it",
	"es": "es",
	"jp": "co.jp",
	"br": "com.br",
}

// Client talks to the provider content and catalog APIs on behalf of one
// authenticated account.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       *Auth
	logger     *slog.Logger
}

// NewClient builds a client from config, loading the account context from the
// configured auth file.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	auth, err := LoadAuth(cfg.Account.AuthFile)
	if err != nil {
		return nil, err
	}
	domain, ok := regionDomains[cfg.Account.Region]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "", "client",
			fmt.Sprintf("no API endpoint for region %q", cfg.Account.Region), nil)
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    fmt.Sprintf("https://api.audible.%s/1.0", domain),
		auth:       auth,
		logger:     logging.NewComponentLogger(logger, "audible"),
	}, nil
}

// Auth exposes the loaded account context.
func (c *Client) Auth() *Auth {
	return c.auth
}

// RequestLicense asks the provider for a download license for one item.
func (c *Client) RequestLicense(ctx context.Context, asin, quality string) (License, error) {
	body := map[string]string{
		"drm_type":         "Adrm",
		"consumption_type": "Download",
		"quality":          config.NormalizeQuality(quality),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return License{}, services.Wrap(services.ErrTransient, "acquiring_license", "encode", "marshal license request", err)
	}

	endpoint := fmt.Sprintf("%s/content/%s/licenserequest", c.baseURL, url.PathEscape(asin))
	var decoded licenseResponse
	if err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), &decoded); err != nil {
		return License{}, err
	}

	cl := decoded.ContentLicense
	if cl.StatusCode != "Granted" {
		msg := cl.Message
		if msg == "" {
			msg = "license not granted"
		}
		return License{}, services.Wrap(services.ErrLicenseDenied, "acquiring_license", "request", msg, nil)
	}
	downloadURL := cl.ContentMetadata.ContentURL.OfflineURL
	if downloadURL == "" {
		return License{}, services.Wrap(services.ErrLicenseDenied, "acquiring_license", "request", "license carries no download URL", nil)
	}
	if cl.LicenseResponse == "" {
		return License{}, services.Wrap(services.ErrCorruptVoucher, "acquiring_license", "request", "license carries no voucher", nil)
	}

	c.logger.Info("license granted",
		logging.String("asin", asin),
		logging.String("quality", body["quality"]),
		logging.Int64("content_length", cl.ContentMetadata.ContentReference.ContentSizeBytes))

	return License{
		ASIN:             asin,
		URL:              downloadURL,
		EncryptedVoucher: cl.LicenseResponse,
		ContentLength:    cl.ContentMetadata.ContentReference.ContentSizeBytes,
		Quality:          body["quality"],
	}, nil
}

// GetProduct fetches catalog details for one item.
func (c *Client) GetProduct(ctx context.Context, asin string) (Product, error) {
	endpoint := fmt.Sprintf("%s/catalog/products/%s?response_groups=%s",
		c.baseURL, url.PathEscape(asin), url.QueryEscape(productResponseGroups))

	var decoded struct {
		Product Product `json:"product"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &decoded); err != nil {
		return Product{}, err
	}
	if decoded.Product.ASIN == "" {
		decoded.Product.ASIN = asin
	}
	return decoded.Product, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "request", "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.auth.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrNetwork, "", "request", endpoint, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrTransient, "", "decode", "decode provider response", err)
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return services.Wrap(services.ErrThrottled, "", "request", "provider rate limit", nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return services.Wrap(services.ErrLicenseDenied, "", "request",
			fmt.Sprintf("provider rejected credentials (HTTP %d)", code), nil)
	case code == http.StatusNotFound:
		return services.Wrap(services.ErrUnavailable, "", "request", "item not found in catalog", nil)
	case code >= 500:
		return services.Wrap(services.ErrNetwork, "", "request",
			fmt.Sprintf("provider error (HTTP %d)", code), nil)
	default:
		return services.Wrap(services.ErrTransient, "", "request",
			fmt.Sprintf("unexpected provider status %d", code), nil)
	}
}

type licenseResponse struct {
	ContentLicense struct {
		StatusCode      string `json:"status_code"`
		Message         string `json:"message"`
		LicenseResponse string `json:"license_response"`
		ContentMetadata struct {
			ContentURL struct {
				OfflineURL string `json:"offline_url"`
			} `json:"content_url"`
			ContentReference struct {
				ContentSizeBytes int64  `json:"content_size_in_bytes"`
				ContentFormat    string `json:"content_format"`
			} `json:"content_reference"`
		} `json:"content_metadata"`
	} `json:"content_license"`
}

// NewClientForTesting builds a client pinned to a custom endpoint.
func NewClientForTesting(baseURL string, auth *Auth, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		logger:     logging.NewComponentLogger(logger, "audible"),
	}
}
