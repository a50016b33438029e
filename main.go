package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mxsend/config"
	"github.com/mjl-/mxsend/deliver"
	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/echo"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/moxvar"
	"github.com/mjl-/mxsend/smtp"
	"github.com/mjl-/mxsend/smtpclient"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"send", cmdSend},
	{"resolve", cmdResolve},
	{"echo", cmdEcho},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we run the command until it has
	// registered its flags, params and help, then panic. Gather catches it.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mxsend "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mxsend " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if len(args) <= len(c.words) && slices.Equal(args, c.words[:len(args)]) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mxsend " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"mxsend [-config mxsend.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mxsend"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var (
	configPath string
	loglevel   string // Empty means: use the level from the config file.
)

// mustLoadConfig reads the config file, or uses the default config if the
// default file does not exist. A log level from the command-line overrides the
// one from the config file.
func mustLoadConfig() config.Static {
	var conf config.Static
	var errs []error
	if _, err := os.Stat(configPath); err != nil && errors.Is(err, fs.ErrNotExist) && configPath == envString("MXSENDCONF", "mxsend.conf") {
		conf, errs = config.Default()
	} else {
		conf, errs = config.ParseFile(configPath)
	}
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("%s", err)
		}
		log.Fatalf("loading config file %s failed", configPath)
	}
	if loglevel != "" {
		conf.Log[""] = mlog.Levels[loglevel]
	}
	mlog.SetConfig(conf.Log)
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MXSENDCONF", "mxsend.conf"), "configuration file, defaults to $MXSENDCONF with a fallback to mxsend.conf; if the default file does not exist, built-in defaults are used")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup, overriding the config file")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt format")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig is called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mxsend "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseDomain(s, what string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckf(err, "parsing %s %q", what, s)
	return d
}

// deliverOptions returns options for delivery based on the config.
func deliverOptions(conf config.Static) deliver.Options {
	return deliver.Options{
		Resolver:           dns.StrictResolver{Pkg: "deliver", Timeout: conf.DNSTimeout},
		Dialer:             &net.Dialer{},
		Hostname:           conf.HostnameDomain,
		Port:               conf.Port,
		DialTimeout:        conf.DialTimeout,
		IOTimeout:          conf.IOTimeout,
		ResponseBufferSize: conf.ResponseBufferSize,
	}
}

func cmdSend(c *cmd) {
	c.params = "[-from address] [-port port] recipient ... <message"
	c.help = `Deliver a message read from stdin directly to the mail exchangers of the recipients.

For each recipient domain, the MX records are looked up and a connection is made
to the first reachable mail exchanger IP, in order of MX preference. All domains
are resolved and connected to concurrently, and the transactions are run on all
connections concurrently.

The message is sent as is, it should have CRLF line endings and must not contain
a line with only a dot.

Domains that could not be delivered to are printed with the error, and the
command exits with status 1.
`
	var from string
	var port int
	c.flag.StringVar(&from, "from", "", "sender address for MAIL FROM, empty for the null reverse path")
	c.flag.IntVar(&port, "port", 0, "port to connect to, overriding the config file")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	from, err := senderPath(from)
	xcheckf(err, "parsing sender address")

	conf := mustLoadConfig()
	opts := deliverOptions(conf)
	if port != 0 {
		opts.Port = port
	}

	body, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env := deliver.Envelope{Sender: from, Recipients: args, Body: string(body)}
	result, err := deliver.Mail(ctx, c.log.Logger, opts, env)
	xcheckf(err, "delivering")

	for _, d := range result.Delivered {
		fmt.Printf("delivered\t%s\n", d)
	}
	for _, rcpt := range result.Skipped {
		fmt.Printf("skipped\t%s\n", rcpt)
	}
	for _, d := range sortedDomains(result.Failed) {
		fmt.Printf("failed\t%s\t%v\n", d, result.Failed[d])
	}
	if len(result.Failed) > 0 || len(result.Skipped) > 0 {
		os.Exit(1)
	}
}

// senderPath returns the sender address in the form used in MAIL FROM, or the
// empty string for the null reverse path.
func senderPath(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	addr, err := smtp.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func sortedDomains(m map[dns.Domain]error) []dns.Domain {
	l := make([]dns.Domain, 0, len(m))
	for d := range m {
		l = append(l, d)
	}
	slices.SortFunc(l, func(a, b dns.Domain) int {
		return strings.Compare(a.ASCII, b.ASCII)
	})
	return l
}

func cmdResolve(c *cmd) {
	c.params = "domain ..."
	c.help = `Resolve the mail exchangers of domains and their IPs.

Mail exchangers are printed in order of preference, with their IPs in the order
they would be connected to.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	var domains []dns.Domain
	for _, s := range args {
		domains = append(domains, xparseDomain(s, "domain"))
	}

	conf := mustLoadConfig()
	resolver := dns.StrictResolver{Pkg: "resolve", Timeout: conf.DNSTimeout}
	ctx := context.Background()

	target := smtpclient.NewTarget(domains...)
	resolved, err := target.Resolve(ctx, c.log.Logger, resolver)
	if err != nil {
		var derrs smtpclient.DomainErrors
		if errors.As(err, &derrs) {
			for d, err := range derrs {
				fmt.Printf("%s: %v\n", d, err)
			}
		} else {
			xcheckf(err, "resolving")
		}
	}
	for _, d := range target.Domains() {
		hosts, ok := resolved[d]
		if !ok {
			continue
		}
		groups, err := smtpclient.GatherIPs(ctx, c.log.Logger, resolver, hosts)
		if err != nil {
			fmt.Printf("%s: %v\n", d, err)
			continue
		}
		fmt.Printf("%s:\n", d)
		for _, g := range groups {
			ips := make([]string, len(g.IPs))
			for i, ip := range g.IPs {
				ips[i] = ip.String()
			}
			fmt.Printf("\t%d %s\t%s\n", g.Host.Pref, g.Host.Host, strings.Join(ips, ", "))
		}
	}
}

func cmdEcho(c *cmd) {
	c.params = "[-host host] [-port port]"
	c.help = `Run an echo server, to use as local mail exchanger for testing.

All data received on a connection is sent back, until the client sends "quit".
On SIGINT or SIGTERM, the server stops accepting connections and waits for
active connections to finish, for at most 5 seconds.

If MetricsListen is set in the config file, prometheus metrics are served at
/metrics on that address.
`
	var host string
	var port int
	c.flag.StringVar(&host, "host", "", "host or IP to listen on, overriding the config file")
	c.flag.IntVar(&port, "port", 0, "port to listen on, overriding the config file")
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	if host == "" {
		host = conf.Echo.Host
	}
	if port == 0 {
		port = conf.Echo.Port
	}

	if conf.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              conf.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
			ErrorLog:          log.New(mlog.ErrWriter(c.log, slog.LevelInfo, "metrics http server error"), "", 0),
		}
		go func() {
			err := srv.ListenAndServe()
			c.log.Fatalx("serving metrics", err)
		}()
		c.log.Print("serving metrics", slog.String("address", conf.MetricsListen))
	}

	srv, err := echo.Listen(c.log.Logger, host, port)
	xcheckf(err, "starting echo server")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		c.log.Print("shutting down", slog.Any("signal", sig))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(ctx)
		c.log.Check(err, "shutting down echo server")
	}()

	err = srv.Serve(context.Background())
	xcheckf(err, "serving echo")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	_, errs := config.ParseFile(configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mxsend.conf"
	c.help = `Prints an annotated empty configuration for use as mxsend.conf.

This configuration file needs modifications to make it valid.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mxsend version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(moxvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
