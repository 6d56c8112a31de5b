package config

import (
	"regexp"
	"strings"
)

const (
	// DefaultEnginePort is used when no port has been supplied
	DefaultEnginePort = 3100

	// MaxEnginePort is the exclusive upper bound for EnginePort
	MaxEnginePort = 35000
)

// engineHostPattern matches DNS names under jutdata.io. Only hostname labels
// are allowed so a value can never smuggle a path, query or fragment into the
// request URL.
var engineHostPattern = regexp.MustCompile(`(?i)^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+jutdata\.io$`)

// ClientConfig holds the connection and credential settings for a Jut client.
// A ClientConfig returned by Apply is always fully valid.
type ClientConfig struct {
	EngineHost   string `yaml:"engineHost" json:"engineHost"`
	EnginePort   int    `yaml:"enginePort" json:"enginePort"`
	ClientID     string `yaml:"clientId" json:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"clientSecret"`
}

// Update carries a partial configuration. Nil fields leave the current
// value untouched; they never clear it.
type Update struct {
	EngineHost   *string
	EnginePort   *int
	ClientID     *string
	ClientSecret *string

	// violations found while decoding textual sources (e.g. a port of "abc")
	invalid []string
}

// ConfigurationError lists every rule a configuration violated
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return "invalid jut client configuration: " + strings.Join(e.Violations, "; ")
}

// String returns a pointer to s, for building an Update
func String(s string) *string { return &s }

// Int returns a pointer to n, for building an Update
func Int(n int) *int { return &n }

// Merge overlays the non-nil fields of o onto u
func (u Update) Merge(o Update) Update {
	if o.EngineHost != nil {
		u.EngineHost = o.EngineHost
	}
	if o.EnginePort != nil {
		u.EnginePort = o.EnginePort
		u.invalid = withoutPortViolations(u.invalid)
	} else if containsPortViolation(o.invalid) {
		u.EnginePort = nil
		u.invalid = withoutPortViolations(u.invalid)
	}
	if o.ClientID != nil {
		u.ClientID = o.ClientID
	}
	if o.ClientSecret != nil {
		u.ClientSecret = o.ClientSecret
	}
	u.invalid = append(append([]string(nil), u.invalid...), o.invalid...)
	return u
}

// Apply merges u onto base, defaults the port and validates the result.
// On failure base is returned unchanged together with a *ConfigurationError.
func Apply(base ClientConfig, u Update) (ClientConfig, error) {
	next := base
	if u.EngineHost != nil {
		next.EngineHost = *u.EngineHost
	}
	if u.EnginePort != nil {
		next.EnginePort = *u.EnginePort
	}
	if u.ClientID != nil {
		next.ClientID = *u.ClientID
	}
	if u.ClientSecret != nil {
		next.ClientSecret = *u.ClientSecret
	}

	// a port that failed to decode must not be masked by the default
	portInvalid := u.EnginePort == nil && containsPortViolation(u.invalid)
	if next.EnginePort == 0 && u.EnginePort == nil && !portInvalid {
		next.EnginePort = DefaultEnginePort
	}

	violations := append([]string(nil), u.invalid...)
	violations = append(violations, check(next, portInvalid)...)
	if len(violations) > 0 {
		return base, &ConfigurationError{Violations: violations}
	}
	return next, nil
}

// Validate checks c against every rule and reports all violations at once
func Validate(c ClientConfig) error {
	if v := check(c, false); len(v) > 0 {
		return &ConfigurationError{Violations: v}
	}
	return nil
}

func check(c ClientConfig, skipPort bool) []string {
	var v []string

	switch {
	case c.EngineHost == "":
		v = append(v, "engineHost can't be blank")
	case !engineHostPattern.MatchString(c.EngineHost):
		v = append(v, "engineHost is invalid or malformed; it should be in the format of '*.jutdata.io'")
	}

	if !skipPort && (c.EnginePort <= 0 || c.EnginePort >= MaxEnginePort) {
		v = append(v, "enginePort must be greater than 0 and less than 35000")
	}

	if c.ClientID == "" {
		v = append(v, "clientId can't be blank")
	}
	if c.ClientSecret == "" {
		v = append(v, "clientSecret can't be blank")
	}
	return v
}

func withoutPortViolations(vs []string) []string {
	var out []string
	for _, v := range vs {
		if !strings.HasPrefix(v, "enginePort") {
			out = append(out, v)
		}
	}
	return out
}

func containsPortViolation(vs []string) bool {
	for _, v := range vs {
		if strings.HasPrefix(v, "enginePort") {
			return true
		}
	}
	return false
}
