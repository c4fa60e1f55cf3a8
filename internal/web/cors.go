package web

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errNoCORSOrigins       = errors.New("cors.no_origins")
	errCORSWildcard        = errors.New("cors.wildcard_with_credentials")
	errCORSMalformedOrigin = errors.New("cors.malformed_origin")
	errCORSInsecureOrigin  = errors.New("cors.insecure_origin")
)

// CORSSettings describes which browser origins may call the auth endpoints with cookies.
type CORSSettings struct {
	Origins []string
	// AllowInsecureHTTP admits plain http origins on non-loopback hosts.
	AllowInsecureHTTP bool
}

// ConfigureCORS builds the credentialed CORS layer that accompanies SameSite=None cookies.
func ConfigureCORS(logger *zap.Logger, settings CORSSettings) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(settings)
	if err != nil {
		return nil, err
	}
	if settings.AllowInsecureHTTP {
		logger.Warn("cross-site cookies over plain http are dropped by most browsers",
			zap.String("code", "cors.insecure_cookies"),
			zap.Strings("origins", origins))
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

func normalizeOrigins(settings CORSSettings) ([]string, error) {
	origins := make([]string, 0, len(settings.Origins))
	for _, raw := range settings.Origins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, err := normalizeOrigin(raw, settings.AllowInsecureHTTP)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(origins, origin) {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return nil, errNoCORSOrigins
	}
	slices.Sort(origins)
	return origins, nil
}

// normalizeOrigin reduces an origin to lower-case scheme://host[:port].
func normalizeOrigin(raw string, allowInsecureHTTP bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "*" {
		return "", errCORSWildcard
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" || parsed.User != nil {
		return "", fmt.Errorf("%w: %q", errCORSMalformedOrigin, raw)
	}
	if strings.TrimSuffix(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: %q is not a bare origin", errCORSMalformedOrigin, raw)
	}
	host := strings.ToLower(parsed.Host)
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		return "https://" + host, nil
	case "http":
		if !allowInsecureHTTP && !isLoopbackHost(parsed.Hostname()) {
			return "", fmt.Errorf("%w: %q", errCORSInsecureOrigin, raw)
		}
		return "http://" + host, nil
	default:
		return "", fmt.Errorf("%w: %q uses scheme %q", errCORSMalformedOrigin, raw, parsed.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
