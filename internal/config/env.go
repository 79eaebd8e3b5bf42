package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays process environment overrides onto cfg:
//
//   - PORT or APP_PORT replaces the base port when it parses to 1..65535;
//     out-of-range or non-numeric values are ignored.
//   - IP replaces the hostname verbatim. Absent IP, HOSTNAME is used with
//     dashes converted to dots (container hostnames encode IPs that way).
//
// PORT wins over APP_PORT and IP wins over HOSTNAME when both are set.
func ApplyEnv(cfg *Config) {
	if port, ok := envPort(); ok {
		cfg.Port = port
	}
	if host := envHostname(); host != "" {
		cfg.Hostname = host
	}
}

func envPort() (uint16, bool) {
	for _, key := range []string{"PORT", "APP_PORT"} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			continue
		}
		return uint16(n), true
	}
	return 0, false
}

func envHostname() string {
	if ip := os.Getenv("IP"); ip != "" {
		return ip
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return strings.ReplaceAll(host, "-", ".")
	}
	return ""
}
