package config

import (
	"time"

	"authsession/pkg/oauth"
)

// Config is the top-level configuration of an authsession client.
type Config struct {
	ClientID     string `yaml:"clientID" env:"CLIENT_ID"`
	ClientSecret string `yaml:"clientSecret,omitempty" env:"CLIENT_SECRET"`

	// ServerOrigin is the identity provider base URL.
	ServerOrigin string `yaml:"serverOrigin" env:"SERVER_ORIGIN"`
	ClientHost   string `yaml:"clientHost,omitempty" env:"CLIENT_HOST"`

	SignInRedirectURL  string `yaml:"signInRedirectURL" env:"SIGN_IN_REDIRECT_URL"`
	SignOutRedirectURL string `yaml:"signOutRedirectURL,omitempty" env:"SIGN_OUT_REDIRECT_URL"`

	// BaseURLs are the API prefixes the isolated worker attaches tokens to.
	BaseURLs []string `yaml:"baseURLs,omitempty" env:"BASE_URLS" envSeparator:","`
	Scope    []string `yaml:"scope,omitempty" env:"SCOPE" envSeparator:","`

	EnablePKCE   bool   `yaml:"enablePKCE" env:"ENABLE_PKCE"`
	Prompt       string `yaml:"prompt,omitempty" env:"PROMPT"`
	ResponseMode string `yaml:"responseMode,omitempty" env:"RESPONSE_MODE"`

	// Storage is "sameThread" or "isolatedWorker".
	Storage        string               `yaml:"storage" env:"STORAGE"`
	SessionStorage SessionStorageConfig `yaml:"sessionStorage" envPrefix:"SESSION_STORAGE_"`

	// CheckSessionInterval is in seconds. Values below 2 select the default.
	CheckSessionInterval int    `yaml:"checkSessionInterval" env:"CHECK_SESSION_INTERVAL"`
	OriginMatch          string `yaml:"originMatch,omitempty" env:"ORIGIN_MATCH"`

	ValidateIDToken bool          `yaml:"validateIDToken" env:"VALIDATE_ID_TOKEN"`
	WorkerTimeout   time.Duration `yaml:"workerTimeout" env:"WORKER_TIMEOUT"`
	RefreshLeeway   time.Duration `yaml:"refreshLeeway" env:"REFRESH_LEEWAY"`

	Endpoints EndpointsConfig `yaml:"endpoints,omitempty" envPrefix:"ENDPOINT_"`
}

// SessionStorageConfig selects the backend of tab-scoped storage.
type SessionStorageConfig struct {
	// Backend is "memory", "file" or "redis".
	Backend   string        `yaml:"backend" env:"BACKEND"`
	Dir       string        `yaml:"dir,omitempty" env:"DIR"`
	RedisAddr string        `yaml:"redisAddr,omitempty" env:"REDIS_ADDR"`
	KeyPrefix string        `yaml:"keyPrefix,omitempty" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl,omitempty" env:"TTL"`
}

// EndpointsConfig overrides individual discovered endpoints.
type EndpointsConfig struct {
	Authorize    string `yaml:"authorize,omitempty" env:"AUTHORIZE"`
	Token        string `yaml:"token,omitempty" env:"TOKEN"`
	Revoke       string `yaml:"revoke,omitempty" env:"REVOKE"`
	Logout       string `yaml:"logout,omitempty" env:"LOGOUT"`
	JWKS         string `yaml:"jwks,omitempty" env:"JWKS"`
	CheckSession string `yaml:"checkSession,omitempty" env:"CHECK_SESSION"`
	UserInfo     string `yaml:"userinfo,omitempty" env:"USERINFO"`
}

// OAuth converts the overrides for endpoint resolution.
func (e EndpointsConfig) OAuth() oauth.Endpoints {
	return oauth.Endpoints{
		Authorize:    e.Authorize,
		Token:        e.Token,
		Revoke:       e.Revoke,
		Logout:       e.Logout,
		JWKS:         e.JWKS,
		CheckSession: e.CheckSession,
		UserInfo:     e.UserInfo,
	}
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Response modes accepted by the authorize endpoint.
const (
	ResponseModeQuery    = "query"
	ResponseModeFormPost = "form_post"
)
