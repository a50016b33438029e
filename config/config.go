package config

import (
	"log/slog"
	"time"

	"github.com/mjl-/mxsend/dns"
)

// Defaults for optional fields that are zero after parsing.
const (
	DefaultPort               = 25
	DefaultDNSTimeout         = 30 * time.Second
	DefaultDialTimeout        = 30 * time.Second
	DefaultIOTimeout          = time.Minute
	DefaultResponseBufferSize = 255
	DefaultEchoHost           = "localhost"
	DefaultEchoPort           = 10025
)

// Static is a parsed form of the mxsend.conf configuration file.
type Static struct {
	LogLevel         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace. Trace logs SMTP commands and responses, and echoed data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. deliver, smtpclient, dns, echo)."`
	Hostname         string            `sconf:"optional" sconf-doc:"Full hostname of system, e.g. mail.<domain>, sent in the EHLO command. Default: the system host name."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.
	Port             int               `sconf:"optional" sconf-doc:"Port to connect to on mail exchangers. Only changed for testing. Default: 25."`
	DNSTimeout       time.Duration     `sconf:"optional" sconf-doc:"Maximum duration of each DNS lookup, e.g. 30s. Default: 30s. A negative value disables the timeout."`
	DialTimeout      time.Duration     `sconf:"optional" sconf-doc:"Maximum duration of each connection attempt to a mail exchanger IP. Default: 30s. A negative value disables the timeout."`
	IOTimeout        time.Duration     `sconf:"optional" sconf-doc:"Maximum duration for writing a command and reading its response. Default: 1m. A negative value disables the timeout."`

	ResponseBufferSize int `sconf:"optional" sconf-doc:"Maximum number of bytes read as response after each command. Default: 255."`
	Echo               struct {
		Host string `sconf:"optional" sconf-doc:"Host or IP to listen on. Default: localhost."`
		Port int    `sconf:"optional" sconf-doc:"Port to listen on. Default: 10025."`
	} `sconf:"optional" sconf-doc:"Echo server, started with the echo subcommand, as local peer for testing deliveries."`
	MetricsListen string `sconf:"optional" sconf-doc:"If set, address to serve prometheus metrics on at /metrics while running the echo subcommand, e.g. localhost:8010."`

	// Parsed from LogLevel and PackageLogLevels, for mlog.SetConfig.
	Log map[string]slog.Level `sconf:"-" json:"-"`
}
