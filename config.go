package reqx

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape for constructing a Session,
// mirroring fetch.Options's kebab-case yaml tags.
type Config struct {
	MaxConnsPerHost int           `yaml:"max-conns-per-host"`
	MaxRedirects    uint32        `yaml:"max-redirects"`
	RedirectMode    string        `yaml:"redirect-mode"`
	EnforceTLS      bool          `yaml:"enforce-tls"`
	Timeout         time.Duration `yaml:"timeout"`
	CachePolicy     CachePolicy   `yaml:"cache-policy"`
	Proxies         []string      `yaml:"proxies"`
	InsecureSkipTLS bool          `yaml:"insecure-skip-tls-verify"`
}

// DefaultConfig mirrors fetch's Default* constants: a conservative
// connection cap, the session's default redirect posture, and a one
// minute request timeout.
func DefaultConfig() Config {
	return Config{
		MaxConnsPerHost: 6,
		MaxRedirects:    10,
		RedirectMode:    "same_host",
		Timeout:         time.Minute,
		CachePolicy:     "",
	}
}

// LoadConfig reads and unmarshals a YAML config file, filling unset fields
// from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return cfg, nil
}

// RedirectModeValue parses Config.RedirectMode into a RedirectMode,
// tolerating the loose string/int forms spf13/cast is normally reached for
// (a config value coming from a flag or environment variable as "3"
// instead of the word "same_domain").
func (c Config) RedirectModeValue() RedirectMode {
	switch c.RedirectMode {
	case "none":
		return RedirectNone
	case "same_endpoint":
		return RedirectSameEndpoint
	case "same_host", "":
		return RedirectSameHost
	case "same_domain":
		return RedirectSameDomain
	case "any":
		return RedirectAny
	default:
		if n, err := cast.ToIntE(c.RedirectMode); err == nil {
			return RedirectMode(n)
		}
		return RedirectSameHost
	}
}

// RequestOptions builds the RequestOptions every Request built under this
// Config should start from.
func (c Config) RequestOptions() RequestOptions {
	return RequestOptions{
		EnforceTLS:   c.EnforceTLS,
		MaxRedirects: c.MaxRedirects,
		Redirect:     c.RedirectModeValue(),
	}
}

// NewSession builds a Session from this Config, wiring a proxy dialer onto
// every future pool if Proxies is non-empty.
func (c Config) NewSession() (*Session, error) {
	opts := []SessionOption{WithMaxConnsPerHost(c.MaxConnsPerHost)}
	if c.InsecureSkipTLS {
		opts = append(opts, WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	if len(c.Proxies) > 0 {
		proxy, err := NewProxyDialer(c.Proxies...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithProxies(proxy))
	}
	return NewSession(opts...), nil
}
