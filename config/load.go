// Package config holds the configuration file definition, and parses it.
//
// The configuration file is in "sconf" format, see
// https://pkg.go.dev/github.com/mjl-/sconf. Properties of sconf files:
//
//   - Indentation with tabs only.
//   - "#" as first non-whitespace character makes the line a comment.
//   - Values don't have syntax indicating their type. Strings are not quoted.
//   - Fields that are optional can be left out completely.
//
// An example, with all optional fields set:
//
//	LogLevel: info
//	PackageLogLevels:
//		smtpclient: debug
//	Hostname: mail.example.org
//	Port: 25
//	DNSTimeout: 30s
//	DialTimeout: 30s
//	IOTimeout: -1s
//	ResponseBufferSize: 255
//	Echo:
//		Host: localhost
//		Port: 10025
//	MetricsListen: localhost:8010
//
// A negative timeout disables it, a zero or absent timeout gets its default. In
// the example, commands and responses are never timed out.
//
// The "config describe" subcommand prints all fields with their documentation.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/mlog"
)

// Default returns a configuration with defaults filled in, used when no
// configuration file is present.
func Default() (Static, []error) {
	c := Static{LogLevel: "info"}
	errs := prepare(&c)
	return c, errs
}

// ParseFile reads the configuration file at p.
func ParseFile(p string) (Static, []error) {
	f, err := os.Open(p)
	if err != nil {
		return Static{}, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	return Parse(f, p)
}

// Parse reads a configuration from r, with name used in errors. Defaults are
// applied for optional fields, and derived fields are set. All problems found
// are returned.
func Parse(r io.Reader, name string) (Static, []error) {
	var c Static
	if err := sconf.Parse(r, &c); err != nil {
		return Static{}, []error{fmt.Errorf("parsing %s: %v", name, err)}
	}
	errs := prepare(&c)
	return c, errs
}

func prepare(c *Static) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		c.Log = map[string]slog.Level{"": slog.LevelError}
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			addErrorf("getting system hostname: %v", err)
		}
		c.Hostname = hostname
	}
	if c.Hostname != "" {
		hostname, err := dns.ParseDomain(c.Hostname)
		if err != nil {
			addErrorf("parsing hostname %q: %v", c.Hostname, err)
		}
		c.HostnameDomain = hostname
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	} else if c.Port < 0 || c.Port > 65535 {
		addErrorf("invalid port %d", c.Port)
	}
	// An absent or zero timeout gets its default. A negative timeout disables it,
	// and is stored as zero, the value that deliver and dns treat as no timeout.
	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{{&c.DNSTimeout, DefaultDNSTimeout}, {&c.DialTimeout, DefaultDialTimeout}, {&c.IOTimeout, DefaultIOTimeout}} {
		if *d.v == 0 {
			*d.v = d.def
		} else if *d.v < 0 {
			*d.v = 0
		}
	}
	if c.ResponseBufferSize == 0 {
		c.ResponseBufferSize = DefaultResponseBufferSize
	} else if c.ResponseBufferSize < 0 {
		addErrorf("invalid response buffer size %d", c.ResponseBufferSize)
	}
	if c.Echo.Host == "" {
		c.Echo.Host = DefaultEchoHost
	}
	if c.Echo.Port == 0 {
		c.Echo.Port = DefaultEchoPort
	} else if c.Echo.Port < 0 || c.Echo.Port > 65535 {
		addErrorf("invalid echo port %d", c.Echo.Port)
	}
	return errs
}
