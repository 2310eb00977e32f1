package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults mirror the lifetimes the protocol recommends: tickets and RPTs live
// for an hour, PCTs persist for a month so gathered claims survive re-requests.
const (
	defaultTicketLifetime = time.Hour
	defaultRPTLifetime    = time.Hour
	defaultPCTLifetime    = 30 * 24 * time.Hour
	defaultResourceCache  = 120 * time.Second
)

// Config carries the server-wide settings consumed by the UMA core. Values are
// read from the environment once at startup.
type Config struct {
	Issuer  string
	BaseURL string

	PostgresDSN string
	RedisAddr   string

	TicketLifetime   time.Duration
	RPTLifetime      time.Duration
	PCTLifetime      time.Duration
	ResourceCacheTTL time.Duration

	// GrantAccessIfNoPolicies flips the default-deny outcome when no policy
	// scripts protect any of the requested scopes.
	GrantAccessIfNoPolicies bool

	// RestrictResourceToAssociatedClient denies access when the resource's
	// associated-client list does not contain the protection token's client.
	RestrictResourceToAssociatedClient bool

	// ValidateClaimToken controls signature/issuer/expiry checks on the
	// claim_token (ID Token) received at the token endpoint.
	ValidateClaimToken bool

	// AllowSpontaneousScopes is the global switch for on-demand scope
	// creation; individual clients must additionally opt in.
	AllowSpontaneousScopes bool

	// ClaimsGatheringURL is where needs_info responses send the requesting
	// party. Defaults to BaseURL + "/uma/gather".
	ClaimsGatheringURL string
}

// FromEnv builds the configuration from UMA_* environment variables.
func FromEnv() Config {
	cfg := Config{
		Issuer:                             envString("UMA_ISSUER", "umagate"),
		BaseURL:                            envString("UMA_BASE_URL", "http://localhost:8080"),
		PostgresDSN:                        os.Getenv("UMA_PG_DSN"),
		RedisAddr:                          os.Getenv("UMA_REDIS_ADDR"),
		TicketLifetime:                     envDuration("UMA_TICKET_LIFETIME", defaultTicketLifetime),
		RPTLifetime:                        envDuration("UMA_RPT_LIFETIME", defaultRPTLifetime),
		PCTLifetime:                        envDuration("UMA_PCT_LIFETIME", defaultPCTLifetime),
		ResourceCacheTTL:                   envDuration("UMA_RESOURCE_CACHE_TTL", defaultResourceCache),
		GrantAccessIfNoPolicies:            envBool("UMA_GRANT_ACCESS_IF_NO_POLICIES", false),
		RestrictResourceToAssociatedClient: envBool("UMA_RESTRICT_RESOURCE_TO_ASSOCIATED_CLIENT", false),
		ValidateClaimToken:                 envBool("UMA_VALIDATE_CLAIM_TOKEN", true),
		AllowSpontaneousScopes:             envBool("UMA_ALLOW_SPONTANEOUS_SCOPES", true),
	}
	cfg.ClaimsGatheringURL = envString("UMA_CLAIMS_GATHERING_URL", cfg.BaseURL+"/uma/gather")
	return cfg
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
