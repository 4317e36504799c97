package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	DebugRTP     bool
	DebugRTMP    bool
	DebugRTSP    bool
	DebugGB28181 bool
	DebugWHIP    bool
	DebugRemux   bool
	DebugAll     bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugRTMP, "debug-rtmp", false,
		"Enable RTMP handshake/chunk/command debugging")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP protocol debugging")
	fs.BoolVar(&f.DebugGB28181, "debug-gb28181", false,
		"Enable GB28181 PS-demux and SSRC-registration debugging")
	fs.BoolVar(&f.DebugWHIP, "debug-whip", false,
		"Enable WHIP/WHEP negotiation debugging (ICE, SDP, connection state)")
	fs.BoolVar(&f.DebugRemux, "debug-remux", false,
		"Enable remuxer pipeline debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugRTMP {
			cfg.EnableCategory(DebugRTMP)
			cfg.Level = LevelDebug
		}
		if f.DebugRTSP {
			cfg.EnableCategory(DebugRTSP)
			cfg.Level = LevelDebug
		}
		if f.DebugGB28181 {
			cfg.EnableCategory(DebugGB28181)
			cfg.Level = LevelDebug
		}
		if f.DebugWHIP {
			cfg.EnableCategory(DebugWHIP)
			cfg.Level = LevelDebug
		}
		if f.DebugRemux {
			cfg.EnableCategory(DebugRemux)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./mediahubd

  Enable DEBUG level:
    ./mediahubd --log-level debug
    ./mediahubd -l debug

  Log to file:
    ./mediahubd --log-file mediahubd.log
    ./mediahubd -o mediahubd.log

  JSON format for structured logging:
    ./mediahubd --log-format json -o mediahubd.json

  Debug RTMP sessions only:
    ./mediahubd --debug-rtmp

  Debug GB28181 ingest only:
    ./mediahubd --debug-gb28181

  Debug multiple categories:
    ./mediahubd --debug-rtmp --debug-rtsp --debug-whip

  Debug everything:
    ./mediahubd --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./mediahubd -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugRTMP {
			debugCategories = append(debugCategories, "rtmp")
		}
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
		if f.DebugGB28181 {
			debugCategories = append(debugCategories, "gb28181")
		}
		if f.DebugWHIP {
			debugCategories = append(debugCategories, "whip")
		}
		if f.DebugRemux {
			debugCategories = append(debugCategories, "remux")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
