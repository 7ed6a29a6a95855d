// Package config manages the dohguard configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config type
type Config struct {
	Version         string
	Bind            string
	BindTLS         string
	TLSCertificate  string
	TLSPrivateKey   string
	URI             string
	Upstream        string
	Timeout         Duration
	ECS             bool
	Debug           bool
	Socket          string
	BlocklistDir    string
	LogLevel        string
	AccessList      []string
	ClientRateLimit int
	PolicyWorkers   int
	API             string

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS-over-HTTPS proxy
bind = ":8053"

# Address to bind to for the TLS terminated proxy, left blank for disabled
# bindtls = ":443"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# DNS API URI the proxy answers on
uri = "/dns-query"

# Upstream recursive resolver to send permitted queries to
upstream = "[::1]:53"

# Network timeout for upstream and policy lookups in duration
timeout = "3s"

# Enable EDNS Client Subnet (ECS) on upstream queries
ecs = false

# Return parser diagnostics in malformed query responses
debug = false

# The policy service socket file
socket = "/tmp/dnsblockcheck.sock"

# A directory path where the per-user blocklist files are located
blocklistdir = "user-blocklist"

# What kind of information should be logged, Log verbosity level [error,warn,info,debug]
loglevel = "info"

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# Policy check worker count, 0 for default
policyworkers = 0

# Address to bind to for the metrics http server, left blank for disabled
# api = "127.0.0.1:8080"
`

// Load loads the given config file, generating a default one if missing
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %s", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if config.URI == "" {
		config.URI = "/dns-query"
	}

	if config.PolicyWorkers == 0 {
		config.PolicyWorkers = 8
	}

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %s", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %s", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
