// Package logging tags slog records with the subsystem that produced them.
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("OAuthClient", "Signed in as %s", user)
//	logging.Audit("TokenStore", "session_stored", "Session stored",
//	    slog.String("client_id", clientID))
//
// Audit lines start with "SECURITY_AUDIT:" and carry an "event" attribute.
// Token values are never passed to either form.
package logging
