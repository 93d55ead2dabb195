package siteconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Secrets holds the process-wide secret strings read once from the
// environment at startup (§5: "changes require process restart").
type Secrets struct {
	APIKey            string
	JSSecret          string
	ForwardedIPSecret string
	PoWSecret         string
	MazeSecret        string
}

// LoadSecrets reads the required and optional secret env vars. Required
// secrets (API key, JS secret, forwarded-IP secret) must be present and
// non-empty; callers in non-test builds should abort startup on error.
func LoadSecrets() (Secrets, error) {
	s := Secrets{
		APIKey:            os.Getenv("SHUMA_API_KEY"),
		JSSecret:          os.Getenv("SHUMA_JS_SECRET"),
		ForwardedIPSecret: os.Getenv("SHUMA_FORWARDED_IP_SECRET"),
		PoWSecret:         os.Getenv("SHUMA_POW_SECRET"),
		MazeSecret:        os.Getenv("SHUMA_MAZE_SECRET"),
	}

	var missing []string
	if s.APIKey == "" {
		missing = append(missing, "SHUMA_API_KEY")
	}
	if s.JSSecret == "" {
		missing = append(missing, "SHUMA_JS_SECRET")
	}
	if s.ForwardedIPSecret == "" {
		missing = append(missing, "SHUMA_FORWARDED_IP_SECRET")
	}
	if len(missing) > 0 {
		return Secrets{}, fmt.Errorf("siteconfig: required secrets unset: %s", strings.Join(missing, ", "))
	}

	if s.PoWSecret == "" {
		s.PoWSecret = s.JSSecret
	}
	if s.MazeSecret == "" {
		s.MazeSecret = s.JSSecret
	}

	return s, nil
}

// ParseBool accepts the documented boolean vocabulary:
// 1|0|true|false|yes|no|on|off, case-insensitive.
func ParseBool(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("siteconfig: invalid boolean %q", s)
}

// EnvBool reads name from the environment, applying def when unset.
func EnvBool(name string, def bool) (bool, error) {
	return ParseBool(os.Getenv(name), def)
}

// EnvInt reads name as an integer, applying def when unset.
func EnvInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("siteconfig: invalid integer for %s: %w", name, err)
	}
	return n, nil
}

// ValidateStartupEnv asserts required secrets are present and that the
// documented boolean/integer env vars, if set, parse successfully. This is
// the "startup env-only validator" required once per process (§4.2).
func ValidateStartupEnv() error {
	if _, err := LoadSecrets(); err != nil {
		return err
	}

	boolVars := []string{
		"SHUMA_ADMIN_CONFIG_WRITE_ENABLED",
		"SHUMA_KV_STORE_FAIL_OPEN",
		"SHUMA_ENFORCE_HTTPS",
		"SHUMA_DEBUG_HEADERS",
		"SHUMA_POW_CONFIG_MUTABLE",
		"SHUMA_CHALLENGE_CONFIG_MUTABLE",
		"SHUMA_BOTNESS_CONFIG_MUTABLE",
		"SHUMA_ENTERPRISE_MULTI_INSTANCE",
		"SHUMA_ENTERPRISE_UNSYNCED_STATE_EXCEPTION_CONFIRMED",
	}
	for _, name := range boolVars {
		if _, err := EnvBool(name, false); err != nil {
			return err
		}
	}

	if _, err := EnvInt("SHUMA_EVENT_LOG_RETENTION_HOURS", 168); err != nil {
		return err
	}

	return nil
}
