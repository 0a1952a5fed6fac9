// Package config loads flowwatchd's configuration from flags and
// FLOWWATCH_* environment variables, flags taking precedence.
package config

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	SourceKind            string // stdin, interface, pcap, flow-log-folder, flow-log-file, netflow-binary, binetflow, binetflow-tabs, suricata
	SourcePath            string
	Interface             string
	CaptureFilter         string
	TCPInactivityTimeout  string
	HomeNetworks          []string
	CaptureTool           string
	NfdumpPath            string
	AsnDBPath             string
	DBPath                string
	StixPath              string
	SlackChannel          string
	SlackBotToken         string
	Debug                 bool
}

var defaultHomeNetworks = "192.168.0.0/16,172.16.0.0/12,10.0.0.0/8"

// Load parses command line flags and environment variables to populate Config.
// Flags take precedence over environment variables.
func Load() *Config {
	cfg := &Config{}

	sourceKind := getEnv("FLOWWATCH_SOURCE_KIND", "flow-log-folder")
	sourcePath := getEnv("FLOWWATCH_SOURCE_PATH", "")
	iface := getEnv("FLOWWATCH_INTERFACE", "")
	captureFilter := getEnv("FLOWWATCH_CAPTURE_FILTER", "ip or not ip")
	homeNetworks := getEnv("FLOWWATCH_HOME_NETWORK", defaultHomeNetworks)
	inactivityTimeout := getEnv("FLOWWATCH_TCP_INACTIVITY_TIMEOUT", "")
	captureTool := getEnv("FLOWWATCH_CAPTURE_TOOL", "zeek")
	nfdumpPath := getEnv("FLOWWATCH_NFDUMP_PATH", "nfdump")
	asnDBPath := getEnv("FLOWWATCH_ASN_DB_PATH", defaultPath("GeoLite2-ASN.mmdb"))
	dbPath := getEnv("FLOWWATCH_DB_PATH", defaultPath("flowwatch.db"))
	stixPath := getEnv("FLOWWATCH_STIX_PATH", defaultPath("STIX_data.json"))
	slackChannel := getEnv("FLOWWATCH_SLACK_CHANNEL", "")
	debug := getEnvBool("FLOWWATCH_DEBUG", false)

	flag.StringVar(&sourceKind, "source", sourceKind, "Input source kind: stdin, interface, pcap, flow-log-folder, flow-log-file, netflow-binary, binetflow, binetflow-tabs, suricata")
	flag.StringVar(&sourcePath, "path", sourcePath, "Path or '-' for stdin, depending on source kind")
	flag.StringVar(&iface, "i", iface, "Network interface to capture live traffic from")
	flag.StringVar(&captureFilter, "filter", captureFilter, "BPF-style capture filter passed to the capture tool")
	flag.StringVar(&homeNetworks, "home-network", homeNetworks, "Comma-separated CIDR ranges considered local to this network")
	flag.StringVar(&inactivityTimeout, "tcp-inactivity-timeout", inactivityTimeout, "Appended verbatim to the capture command")
	flag.StringVar(&captureTool, "capture-tool", captureTool, "Name of the external capture binary")
	flag.StringVar(&nfdumpPath, "nfdump-path", nfdumpPath, "Path to the nfdump binary")
	flag.StringVar(&asnDBPath, "asn-db", asnDBPath, "Path to the offline MaxMind ASN database")
	flag.StringVar(&dbPath, "db", dbPath, "Path to the SQLite ProfileStore database")
	flag.StringVar(&stixPath, "stix", stixPath, "Path to the STIX export document")
	flag.StringVar(&slackChannel, "slack-channel", slackChannel, "Slack channel to post alerts to")
	flag.BoolVar(&debug, "debug", debug, "Enable verbose debug logging")

	flag.Parse()

	cfg.SourceKind = sourceKind
	cfg.SourcePath = sourcePath
	cfg.Interface = iface
	cfg.CaptureFilter = captureFilter
	cfg.TCPInactivityTimeout = inactivityTimeout
	cfg.HomeNetworks = splitCIDRList(homeNetworks)
	cfg.CaptureTool = captureTool
	cfg.NfdumpPath = nfdumpPath
	cfg.AsnDBPath = asnDBPath
	cfg.DBPath = dbPath
	cfg.StixPath = stixPath
	cfg.SlackChannel = slackChannel
	cfg.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.Debug = debug

	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// splitCIDRList splits a comma-separated CIDR list, trimming whitespace
// and dropping empty entries.
func splitCIDRList(raw string) []string {
	parts := strings.Split(raw, ",")
	networks := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			networks = append(networks, p)
		}
	}
	return networks
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// defaultPath returns name under ~/.flowwatch, creating the directory
// if it doesn't already exist.
func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("warning: could not get user home directory, using current dir: %v", err)
		return name
	}

	dir := filepath.Join(home, ".flowwatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("warning: could not create .flowwatch directory, using current dir: %v", err)
		return name
	}

	return filepath.Join(dir, name)
}
