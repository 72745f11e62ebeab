// Package config loads process configuration for the B2BUA core.
//
// Loading itself (flags + environment variables) is the one piece of
// configuration handling considered "core" by this module; anything
// richer (file-based config, hot reload, a remote config service) is an
// external collaborator's job.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds every option the core engine consumes.
type Config struct {
	SIPHost       string
	SIPPort       int
	ServerAddress string

	RTPHost string
	RTPPort int

	ExtMin int
	ExtMax int

	CallSetupTimeout     time.Duration
	RegistrationTimeout  time.Duration
	CleanupInterval      time.Duration

	LogLevel string
}

// Load parses command-line flags, then applies environment variable
// overrides, then fills in anything still unset (SERVER_ADDRESS) by
// probing the primary network interface. Mirrors the flags-then-env
// layering used throughout the retrieved corpus's signaling services.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SIPHost, "sip-host", "0.0.0.0", "SIP UDP bind address")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP UDP listen port")
	flag.StringVar(&cfg.ServerAddress, "server-address", "", "address advertised in SDP/Via (auto-detected if empty)")

	flag.StringVar(&cfg.RTPHost, "rtp-host", "0.0.0.0", "RTP UDP bind address")
	flag.IntVar(&cfg.RTPPort, "rtp-port", 10000, "RTP UDP listen port")

	flag.IntVar(&cfg.ExtMin, "ext-min", 100, "lowest valid extension")
	flag.IntVar(&cfg.ExtMax, "ext-max", 110, "highest valid extension")

	var setupTimeoutMs, cleanupIntervalMs int
	var registrationTimeoutS int
	flag.IntVar(&setupTimeoutMs, "call-setup-timeout-ms", 30000, "milliseconds before an unanswered INVITE times out")
	flag.IntVar(&registrationTimeoutS, "registration-timeout-s", 3600, "default REGISTER Expires when the UA sends none")
	flag.IntVar(&cleanupIntervalMs, "cleanup-interval-ms", 60000, "milliseconds between registrar/dialog cleanup ticks")

	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	flag.Parse()

	cfg.CallSetupTimeout = time.Duration(setupTimeoutMs) * time.Millisecond
	cfg.RegistrationTimeout = time.Duration(registrationTimeoutS) * time.Second
	cfg.CleanupInterval = time.Duration(cleanupIntervalMs) * time.Millisecond

	applyEnv(cfg)

	if cfg.ServerAddress == "" || !isValidAddress(cfg.ServerAddress) {
		cfg.ServerAddress = primaryInterfaceIP()
	}

	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SIP_HOST"); v != "" {
		cfg.SIPHost = v
	}
	if v := os.Getenv("SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("SERVER_ADDRESS"); v != "" {
		cfg.ServerAddress = v
	}
	if v := os.Getenv("RTP_HOST"); v != "" {
		cfg.RTPHost = v
	}
	if v := os.Getenv("RTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPort = p
		}
	}
	if v := os.Getenv("EXT_MIN"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.ExtMin = p
		}
	}
	if v := os.Getenv("EXT_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.ExtMax = p
		}
	}
	if v := os.Getenv("CALL_SETUP_TIMEOUT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.CallSetupTimeout = time.Duration(p) * time.Millisecond
		}
	}
	if v := os.Getenv("REGISTRATION_TIMEOUT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RegistrationTimeout = time.Duration(p) * time.Second
		}
	}
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.CleanupInterval = time.Duration(p) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	ips, err := net.LookupIP(addr)
	return err == nil && len(ips) > 0
}

// primaryInterfaceIP returns the first non-loopback IPv4 address found,
// falling back to localhost. Used when SERVER_ADDRESS isn't configured.
func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
