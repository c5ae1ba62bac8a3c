// Package tgenconfig binds tgen's three environment-variable overrides
// (spec §6) through viper, replacing the original's direct getenv calls
// one-for-one.
package tgenconfig

import "github.com/spf13/viper"

// Config holds the resolved environment overrides.
type Config struct {
	// Hostname overrides the value reported in stream headers and log
	// lines (spec §6 TGENHOSTNAME); empty means "use os.Hostname()".
	Hostname string

	// IP overrides the address the server listener binds to (spec §6
	// TGENIP); empty means "wildcard".
	IP string

	// Socks is a default SOCKS5 proxy "host:port" applied to any Stream
	// vertex that does not name its own socksproxy (spec §6 TGENSOCKS).
	Socks string
}

// Load reads TGENHOSTNAME/TGENIP/TGENSOCKS from the process environment.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.BindEnv("hostname", "TGENHOSTNAME")
	v.BindEnv("ip", "TGENIP")
	v.BindEnv("socks", "TGENSOCKS")

	return Config{
		Hostname: v.GetString("hostname"),
		IP:       v.GetString("ip"),
		Socks:    v.GetString("socks"),
	}
}
