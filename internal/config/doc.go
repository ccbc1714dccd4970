// Package config loads the authsession client configuration.
//
// Configuration is read from config.yaml in a single directory, by default
// ~/.config/authsession. Values not present in the file keep their
// defaults, and a missing file is not an error. Environment variables with
// the AUTHSESSION_ prefix are applied last and win over the file:
//
//	AUTHSESSION_CLIENT_ID=console
//	AUTHSESSION_SERVER_ORIGIN=https://localhost:9443
//	AUTHSESSION_BASE_URLS=https://localhost:9443/api,https://localhost:9443/scim2
//	AUTHSESSION_SESSION_STORAGE_BACKEND=redis
//	AUTHSESSION_ENDPOINT_TOKEN=https://localhost:9443/oauth2/token
//
// # Example config.yaml
//
//	clientID: console
//	serverOrigin: https://localhost:9443
//	signInRedirectURL: http://localhost:3000/callback
//	storage: isolatedWorker
//	baseURLs:
//	  - https://localhost:9443/api
//	sessionStorage:
//	  backend: file
//	checkSessionInterval: 3
//	workerTimeout: 10s
//
// Validate reports every invalid value at once as a
// ConfigurationErrorCollection.
package config
