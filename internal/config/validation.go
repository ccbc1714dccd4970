package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration and returns a
// ConfigurationErrorCollection listing every problem, or nil.
func (c Config) Validate() error {
	errs := &ConfigurationErrorCollection{}

	requireValue(errs, "clientID", c.ClientID)
	requireURL(errs, "serverOrigin", c.ServerOrigin)
	requireURL(errs, "signInRedirectURL", c.SignInRedirectURL)

	if c.SignOutRedirectURL != "" {
		validateURL(errs, "signOutRedirectURL", c.SignOutRedirectURL)
	}

	oneOf(errs, "responseMode", c.ResponseMode, ResponseModeQuery, ResponseModeFormPost)
	oneOf(errs, "storage", c.Storage, "sameThread", "isolatedWorker")
	oneOf(errs, "sessionStorage.backend", c.SessionStorage.Backend, BackendMemory, BackendFile, BackendRedis)
	oneOf(errs, "originMatch", c.OriginMatch, "exact", "substring")

	for i, base := range c.BaseURLs {
		if strings.TrimSpace(base) == "" {
			errs.AddError(fmt.Sprintf("baseURLs[%d]", i), errInvalid, "must be a non-empty string")
		}
	}
	if c.Storage == "isolatedWorker" && len(c.BaseURLs) == 0 {
		errs.AddError("baseURLs", errRequired, "is required for isolatedWorker storage",
			"List the API prefixes the worker may attach tokens to")
	}

	if c.SessionStorage.Backend == BackendRedis && c.SessionStorage.RedisAddr == "" {
		errs.AddError("sessionStorage.redisAddr", errRequired, "is required for the redis backend")
	}
	if c.SessionStorage.TTL < 0 {
		errs.AddError("sessionStorage.ttl", errInvalid, "must not be negative")
	}
	if c.WorkerTimeout < 0 {
		errs.AddError("workerTimeout", errInvalid, "must not be negative")
	}
	if c.RefreshLeeway < 0 {
		errs.AddError("refreshLeeway", errInvalid, "must not be negative")
	}

	if errs.HasErrors() {
		return *errs
	}
	return nil
}

func requireValue(errs *ConfigurationErrorCollection, field, value string) bool {
	if strings.TrimSpace(value) == "" {
		errs.AddError(field, errRequired, "is required")
		return false
	}
	return true
}

func requireURL(errs *ConfigurationErrorCollection, field, value string) {
	if requireValue(errs, field, value) {
		validateURL(errs, field, value)
	}
}

func validateURL(errs *ConfigurationErrorCollection, field, value string) {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs.AddError(field, errInvalid, fmt.Sprintf("%q is not an absolute URL", value))
	}
}

func oneOf(errs *ConfigurationErrorCollection, field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	errs.AddError(field, errInvalid,
		fmt.Sprintf("%q must be one of: %s", value, strings.Join(allowed, ", ")))
}
