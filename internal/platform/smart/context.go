// Package smart holds the SMART on FHIR launch context of a signed-in user
// and reads clinical images from the EHR on that user's behalf.
package smart

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

var (
	ErrContextNotFound = errors.New("smart context not found")
	ErrInvalidLaunch   = errors.New("invalid launch payload")
)

// DefaultContextTTL applies when the token response carries no expires_in.
const DefaultContextTTL = time.Hour

// SessionContext is the identity the EHR handed over at launch. It is created
// by the login callback and torn down at logout.
type SessionContext struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"-"`
	IDToken     string    `json:"-"`
	FHIRBaseURL string    `json:"fhirBaseUrl"`
	PatientID   string    `json:"patientId"`
	FHIRUser    string    `json:"fhirUser,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Name        string    `json:"name,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// LaunchPayload is what the browser posts after completing the OAuth
// redirect.
type LaunchPayload struct {
	AccessToken string `json:"accessToken"`
	IDToken     string `json:"idToken"`
	FHIRBaseURL string `json:"fhirBaseUrl"`
	Patient     string `json:"patient"`
	ExpiresIn   int    `json:"expiresIn"`
}

// IDTokenClaims are the OpenID claims read from the id_token.
type IDTokenClaims struct {
	FHIRUser string `json:"fhirUser,omitempty"`
	Name     string `json:"name,omitempty"`
	Patient  string `json:"patient,omitempty"`
	jwt.RegisteredClaims
}

// ParseIDToken extracts claims from an id_token. The signature is not
// checked: the token was already validated by the authorization server
// exchange that produced it.
func ParseIDToken(raw string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Registry keeps live launch contexts keyed by id and expires them with
// their access token.
type Registry struct {
	cache *cache.Cache
	now   func() time.Time
}

func NewRegistry(defaultTTL time.Duration) *Registry {
	if defaultTTL <= 0 {
		defaultTTL = DefaultContextTTL
	}
	return &Registry{
		cache: cache.New(defaultTTL, defaultTTL*2),
		now:   time.Now,
	}
}

// Create validates a launch payload and registers the resulting context.
func (r *Registry) Create(p LaunchPayload) (*SessionContext, error) {
	if strings.TrimSpace(p.AccessToken) == "" {
		return nil, errors.Join(ErrInvalidLaunch, errors.New("accessToken is required"))
	}
	if strings.TrimSpace(p.FHIRBaseURL) == "" {
		return nil, errors.Join(ErrInvalidLaunch, errors.New("fhirBaseUrl is required"))
	}

	sc := &SessionContext{
		ID:          uuid.New().String(),
		AccessToken: p.AccessToken,
		IDToken:     p.IDToken,
		FHIRBaseURL: strings.TrimRight(p.FHIRBaseURL, "/"),
		PatientID:   p.Patient,
	}
	if p.IDToken != "" {
		claims, err := ParseIDToken(p.IDToken)
		if err != nil {
			return nil, errors.Join(ErrInvalidLaunch, err)
		}
		sc.FHIRUser = claims.FHIRUser
		sc.Subject = claims.Subject
		sc.Name = claims.Name
		if sc.PatientID == "" {
			sc.PatientID = claims.Patient
		}
		if sc.PatientID == "" && strings.HasPrefix(claims.FHIRUser, "Patient/") {
			sc.PatientID = strings.TrimPrefix(claims.FHIRUser, "Patient/")
		}
	}
	if sc.PatientID == "" {
		return nil, errors.Join(ErrInvalidLaunch, errors.New("no patient in launch context"))
	}

	ttl := cache.DefaultExpiration
	if p.ExpiresIn > 0 {
		ttl = time.Duration(p.ExpiresIn) * time.Second
		sc.ExpiresAt = r.now().Add(ttl)
	}
	r.cache.Set(sc.ID, sc, ttl)
	if sc.ExpiresAt.IsZero() {
		if _, exp, ok := r.cache.GetWithExpiration(sc.ID); ok {
			sc.ExpiresAt = exp
		}
	}
	return sc, nil
}

func (r *Registry) Get(id string) (*SessionContext, error) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, ErrContextNotFound
	}
	return v.(*SessionContext), nil
}

// Delete removes a context at logout. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.cache.Delete(id)
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}
