package main

import (
	"errors"
	"net/url"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS keyring service under which Metabase passwords
// are stored, keyed by Metabase user.
const keyringService = "petabase"

// Credentials authenticate against Metabase: an API key, or a user and
// password exchanged for a session token.
type Credentials struct {
	URL      string
	User     string
	Password string
	APIKey   string
}

// loadCredentials resolves credentials from the environment, falling back to
// the config file for URL and user and to the OS keyring for the password.
// It never touches the network.
func loadCredentials(cfg MetabaseConfig, getenv func(string) string) (Credentials, error) {
	creds := Credentials{
		URL:    firstNonEmpty(getenv("METABASE_URL"), cfg.URL),
		User:   firstNonEmpty(getenv("METABASE_USER"), cfg.User),
		APIKey: getenv("METABASE_API_KEY"),
	}

	if creds.URL == "" {
		return Credentials{}, configErrorf("METABASE_URL is not set")
	}
	u, err := url.Parse(creds.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Credentials{}, configErrorf("METABASE_URL %q is not an http(s) URL", creds.URL)
	}

	if creds.APIKey != "" {
		return creds, nil
	}
	if creds.User == "" {
		return Credentials{}, configErrorf("METABASE_USER is not set (or set METABASE_API_KEY)")
	}

	creds.Password = getenv("METABASE_PASSWORD")
	if creds.Password != "" {
		return creds, nil
	}
	pw, err := keyring.Get(keyringService, creds.User)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return Credentials{}, configErrorf("METABASE_PASSWORD is not set and no password is stored in the keyring for %q", creds.User)
	case err != nil:
		return Credentials{}, configErrorf("METABASE_PASSWORD is not set and the keyring is unavailable: %w", err)
	}
	creds.Password = pw
	return creds, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
