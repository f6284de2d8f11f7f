package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	PatientKey   contextKey = "patient_id"
)

// Roles understood by the API.
const (
	RoleAdmin     = "admin"
	RoleClinician = "clinician"
	RolePatient   = "patient"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles"`
	FHIRUser string   `json:"fhirUser,omitempty"`
	Patient  string   `json:"patient,omitempty"`
}

// EffectiveRoles returns the explicit roles, or derives one from fhirUser
// (Practitioner/x is a clinician, Patient/x a patient) when none are given.
func (c *Claims) EffectiveRoles() []string {
	if len(c.Roles) > 0 {
		return c.Roles
	}
	switch {
	case strings.HasPrefix(c.FHIRUser, "Practitioner/"), strings.Contains(c.FHIRUser, "/Practitioner/"):
		return []string{RoleClinician}
	case strings.HasPrefix(c.FHIRUser, "Patient/"), strings.Contains(c.FHIRUser, "/Patient/"):
		return []string{RolePatient}
	}
	return nil
}

// PatientID returns the patient the token is bound to, if any.
func (c *Claims) PatientID() string {
	if c.Patient != "" {
		return c.Patient
	}
	if i := strings.LastIndex(c.FHIRUser, "Patient/"); i >= 0 {
		return c.FHIRUser[i+len("Patient/"):]
	}
	return ""
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation for tests and local tooling.
	SigningKey []byte
	HTTPClient *http.Client
}

// JWTMiddleware validates bearer tokens against the configured JWKS. When no
// JWKS URL is set it is discovered from the issuer on first use.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		methods = []string{"HS256"}
	} else {
		keyFunc = NewJWKSCache(cfg.JWKSURL, cfg.Issuer, cfg.HTTPClient).KeyFunc
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc)
			if err != nil || !token.Valid {
				log.Ctx(c.Request().Context()).Debug().Err(err).Msg("token rejected")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(
				c.Request().Context(), claims.Subject, claims.EffectiveRoles(), claims.PatientID())))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				c.SetRequest(c.Request().WithContext(WithIdentity(
					c.Request().Context(), "dev-user", []string{RoleAdmin}, "")))
			}
			return next(c)
		}
	}
}

// WithIdentity stores the caller on ctx.
func WithIdentity(ctx context.Context, userID string, roles []string, patientID string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, PatientKey, patientID)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// PatientFromContext returns the patient a patient-role token is bound to.
func PatientFromContext(ctx context.Context) string {
	p, _ := ctx.Value(PatientKey).(string)
	return p
}
