/*
Command mxsend delivers a message directly to the mail exchangers of its
recipients, over one connection per recipient domain.

  - Mail exchangers are looked up in DNS and tried in order of MX preference.
  - All recipient domains are resolved and connected to concurrently.
  - Transactions are run on all connections concurrently.
  - An echo server is included, to act as a local mail exchanger for testing.

# Commands

	mxsend [-config mxsend.conf] [-loglevel level] ...
	mxsend send [-from address] [-port port] recipient ... <message
	mxsend resolve domain ...
	mxsend echo [-host host] [-port port]
	mxsend config test
	mxsend config describe >mxsend.conf
	mxsend version
	mxsend help [command ...]

The configuration file is optional. Without it, defaults are used: port 25,
the system host name in EHLO, and an echo server on localhost:10025. See
"mxsend config describe" for all fields.

# mxsend send

Deliver a message read from stdin directly to the mail exchangers of the
recipients.

For each recipient domain, the MX records are looked up and a connection is
made to the first reachable mail exchanger IP, in order of MX preference. All
domains are resolved and connected to concurrently, and the transactions are
run on all connections concurrently.

Domains that could not be delivered to are printed with the error, and the
command exits with status 1.

	usage: mxsend send [-from address] [-port port] recipient ... <message
	  -from string
	    	sender address for MAIL FROM, empty for the null reverse path
	  -port int
	    	port to connect to, overriding the config file

# mxsend resolve

Resolve the mail exchangers of domains and their IPs.

	usage: mxsend resolve domain ...

# mxsend echo

Run an echo server, to use as local mail exchanger for testing.

All data received on a connection is sent back, until the client sends "quit".

	usage: mxsend echo [-host host] [-port port]
	  -host string
	    	host or IP to listen on, overriding the config file
	  -port int
	    	port to listen on, overriding the config file

# mxsend config test

Parses and validates the configuration file.

	usage: mxsend config test

# mxsend config describe

Prints an annotated empty configuration for use as mxsend.conf.

	usage: mxsend config describe >mxsend.conf

# mxsend version

Prints this mxsend version.

	usage: mxsend version
*/
package main
