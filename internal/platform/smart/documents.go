package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dermrx/dermrx/internal/platform/fhir"
)

// DefaultScope is requested with the client-credentials grant.
const DefaultScope = "patient/*.read"

// tokenSkew renews the system token slightly before it expires.
const tokenSkew = 30 * time.Second

const maxImageBytes = 20 << 20

var (
	// ErrTokenRequest is returned when the client-credentials grant fails.
	ErrTokenRequest = errors.New("client credentials token request failed")

	// ErrForeignOrigin is returned for an image URL outside the launch
	// context's FHIR server. No token is requested or sent for it.
	ErrForeignOrigin = errors.New("image url is not served by the launch EHR")

	// ErrResponseTooLarge is returned when the EHR answers with more bytes
	// than the caller allows.
	ErrResponseTooLarge = errors.New("response exceeds size limit")
)

// ClientConfig configures the system app used to download image binaries.
type ClientConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	// MaxImageBytes caps a downloaded binary. Zero means 20 MiB.
	MaxImageBytes int64
}

// ImageDocument is one image attachment of a DocumentReference.
type ImageDocument struct {
	DocumentID  string `json:"documentId"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Title       string `json:"title,omitempty"`
	Date        string `json:"date,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// DocumentClient lists a patient's image documents with the user's access
// token and downloads the binaries with a system client-credentials token.
// Concurrent downloads share a single token request.
type DocumentClient struct {
	cfg  ClientConfig
	http *http.Client
	now  func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewDocumentClient(cfg ClientConfig, hc *http.Client) *DocumentClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = maxImageBytes
	}
	return &DocumentClient{cfg: cfg, http: hc, now: time.Now}
}

// ListImageDocuments searches DocumentReference?patient= on the EHR and keeps
// only attachments whose content type is image/*.
func (d *DocumentClient) ListImageDocuments(ctx context.Context, sc *SessionContext) ([]ImageDocument, error) {
	q := url.Values{"patient": {sc.PatientID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.FHIRBaseURL+"/DocumentReference?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+sc.AccessToken)

	data, err := d.do(req, 0)
	if err != nil {
		return nil, fmt.Errorf("search document references: %w", err)
	}
	resources, err := fhir.DecodeBundle(data)
	if err != nil {
		return nil, err
	}

	docs := []ImageDocument{}
	for _, raw := range resources {
		var ref fhir.DocumentReference
		if err := json.Unmarshal(raw, &ref); err != nil || ref.ResourceType != "DocumentReference" {
			continue
		}
		for _, c := range ref.Content {
			a := c.Attachment
			if a.URL == "" || !strings.HasPrefix(a.ContentType, "image/") {
				continue
			}
			docs = append(docs, ImageDocument{
				DocumentID:  ref.ID,
				URL:         a.URL,
				ContentType: a.ContentType,
				Title:       a.Title,
				Date:        ref.Date,
			})
		}
	}
	return docs, nil
}

// SameOrigin reports whether target has the scheme and host of base.
func SameOrigin(base, target string) bool {
	b, err := url.Parse(base)
	if err != nil || b.Host == "" {
		return false
	}
	t, err := url.Parse(target)
	if err != nil || t.Host == "" {
		return false
	}
	return strings.EqualFold(b.Scheme, t.Scheme) && strings.EqualFold(b.Host, t.Host)
}

// FetchImage downloads an attachment binary from the FHIR server of sc. URLs
// on any other origin fail with ErrForeignOrigin before a token is issued. A
// 401 drops the cached token so the next call fetches a fresh one.
func (d *DocumentClient) FetchImage(ctx context.Context, sc *SessionContext, imageURL string) ([]byte, error) {
	if sc == nil || !SameOrigin(sc.FHIRBaseURL, imageURL) {
		return nil, fmt.Errorf("fetch image: %w", ErrForeignOrigin)
	}
	token, err := d.systemToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	data, err := d.do(req, d.cfg.MaxImageBytes)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		d.invalidate()
	}
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	return data, nil
}

func (d *DocumentClient) systemToken(ctx context.Context) (string, error) {
	if t, ok := d.cachedToken(); ok {
		return t, nil
	}
	v, err, _ := d.group.Do("token", func() (interface{}, error) {
		if t, ok := d.cachedToken(); ok {
			return t, nil
		}
		return d.requestToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *DocumentClient) requestToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {d.cfg.ClientID},
		"client_secret": {d.cfg.ClientSecret},
		"scope":         {d.cfg.Scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := d.do(req, 0)
	if err != nil {
		return "", errors.Join(ErrTokenRequest, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", errors.Join(ErrTokenRequest, err)
	}
	if tr.AccessToken == "" {
		return "", errors.Join(ErrTokenRequest, errors.New("empty access_token"))
	}

	d.mu.Lock()
	d.token = tr.AccessToken
	d.expiry = d.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenSkew)
	d.mu.Unlock()
	return tr.AccessToken, nil
}

func (d *DocumentClient) cachedToken() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" && d.now().Before(d.expiry) {
		return d.token, true
	}
	return "", false
}

func (d *DocumentClient) invalidate() {
	d.mu.Lock()
	d.token = ""
	d.expiry = time.Time{}
	d.mu.Unlock()
}

func (d *DocumentClient) do(req *http.Request, limit int64) ([]byte, error) {
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if limit <= 0 {
		limit = maxImageBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

// StatusError is a non-2xx answer from the EHR.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}
