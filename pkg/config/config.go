package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all listen addresses and feature toggles for the media hub.
type Config struct {
	RTMP     RTMPConfig
	RTSP     RTSPConfig
	GB28181  GB28181Config
	WHIP     WHIPConfig
	Remux    RemuxConfig
	API      APIConfig
}

// RTMPConfig controls the RTMP ingest/egress listener.
type RTMPConfig struct {
	Enabled     bool
	PullEnabled bool
	ListenAddr  string
}

// RTSPConfig controls the RTSP server and pull-client manager.
type RTSPConfig struct {
	Enabled     bool
	PullEnabled bool
	ListenAddr  string
	// PullSources maps "app/name" to an upstream RTSP URL the pull-client
	// manager dials when a subscribe misses for that identifier.
	PullSources map[string]string
}

// GB28181Config controls GB28181 RTP/PS ingest.
type GB28181Config struct {
	Enabled    bool
	ListenAddr string
	DumpToFile bool
	DumpDir    string
}

// WHIPConfig controls the WHIP/WHEP HTTP signalling surface.
type WHIPConfig struct {
	Enabled    bool
	ListenAddr string
}

// RemuxConfig toggles the RTSP/WHIP/GB28181 -> RTMP remux paths.
type RemuxConfig struct {
	RTSPToRTMPEnabled    bool
	WHIPToRTMPEnabled    bool
	GB28181ToRTMPEnabled bool
}

// APIConfig controls the HTTP control-plane surface (stream listing, SSRC
// pre-registration).
type APIConfig struct {
	ListenAddr  string
	CORSOrigins []string
}

// NewConfig returns a Config with every protocol disabled and sane default
// listen addresses, ready for selective enabling via Load or direct field
// assignment.
func NewConfig() *Config {
	return &Config{
		RTMP:    RTMPConfig{ListenAddr: ":1935"},
		RTSP:    RTSPConfig{ListenAddr: ":8554"},
		GB28181: GB28181Config{ListenAddr: ":5060", DumpDir: "./dumps"},
		WHIP:    WHIPConfig{ListenAddr: ":8080"},
		API:     APIConfig{ListenAddr: ":8000"},
	}
}

// Load reads configuration from a .env-style file of key=value lines.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := NewConfig()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		applyKey(cfg, key, decodedValue)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "rtmp_push_enabled":
		cfg.RTMP.Enabled = parseBool(value)
	case "rtmp_pull_enabled":
		cfg.RTMP.PullEnabled = parseBool(value)
	case "rtmp_listen_addr":
		cfg.RTMP.ListenAddr = value
	case "rtsp_enabled":
		cfg.RTSP.Enabled = parseBool(value)
	case "rtsp_pull_enabled":
		cfg.RTSP.PullEnabled = parseBool(value)
	case "rtsp_listen_addr":
		cfg.RTSP.ListenAddr = value
	case "rtsp_pull_sources":
		cfg.RTSP.PullSources = parsePullSources(value)
	case "gb28181_enabled":
		cfg.GB28181.Enabled = parseBool(value)
	case "gb28181_listen_addr":
		cfg.GB28181.ListenAddr = value
	case "gb28181_dump_to_file":
		cfg.GB28181.DumpToFile = parseBool(value)
	case "gb28181_dump_dir":
		cfg.GB28181.DumpDir = value
	case "whip_enabled":
		cfg.WHIP.Enabled = parseBool(value)
	case "whip_listen_addr":
		cfg.WHIP.ListenAddr = value
	case "remux_rtsp_to_rtmp_enabled":
		cfg.Remux.RTSPToRTMPEnabled = parseBool(value)
	case "remux_whip_to_rtmp_enabled":
		cfg.Remux.WHIPToRTMPEnabled = parseBool(value)
	case "remux_gb28181_to_rtmp_enabled":
		cfg.Remux.GB28181ToRTMPEnabled = parseBool(value)
	case "api_listen_addr":
		cfg.API.ListenAddr = value
	case "api_cors_origins":
		cfg.API.CORSOrigins = splitAndTrim(value)
	}
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return b
}

// parsePullSources parses "app1/name1=url1,app2/name2=url2" into a map
// keyed by the "app/name" identifier string.
func parsePullSources(value string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that at least one ingest protocol is enabled and that
// every enabled protocol has a listen address.
func (c *Config) Validate() error {
	if !c.RTMP.Enabled && !c.RTSP.Enabled && !c.GB28181.Enabled && !c.WHIP.Enabled {
		return fmt.Errorf("no ingest protocol enabled: enable at least one of rtmp_push_enabled, rtsp_enabled, gb28181_enabled, whip_enabled")
	}
	if c.RTMP.Enabled && c.RTMP.ListenAddr == "" {
		return fmt.Errorf("rtmp enabled but rtmp_listen_addr is empty")
	}
	if c.RTSP.Enabled && c.RTSP.ListenAddr == "" {
		return fmt.Errorf("rtsp enabled but rtsp_listen_addr is empty")
	}
	if c.GB28181.Enabled && c.GB28181.ListenAddr == "" {
		return fmt.Errorf("gb28181 enabled but gb28181_listen_addr is empty")
	}
	if c.WHIP.Enabled && c.WHIP.ListenAddr == "" {
		return fmt.Errorf("whip enabled but whip_listen_addr is empty")
	}
	return nil
}
