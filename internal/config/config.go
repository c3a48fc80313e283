// Package config layers the CLI surface from spec.md §4.6 on top of an
// optional YAML file, using viper for the file/defaults layer the way
// cmd/dastard/main.go's setupViper does, and the standard flag package
// for the command line itself.
package config

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved set of run parameters: defaults, then
// whatever a YAML config file overrides, then whatever the command line
// overrides on top of that.
type Config struct {
	Host string
	Port int

	InputFile string

	Reorder       bool
	ReorderWindow int

	StatsIntervalHits int
	StatsTimeSeconds  int
	StatsFinalOnly    bool
	StatsDisable      bool

	RecentHitCount   int
	DecoderWorkers   int
	QueueSize        int
	ExitOnDisconnect bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8085)
	v.SetDefault("input_file", "")
	v.SetDefault("reorder", false)
	v.SetDefault("reorder_window", 1000)
	v.SetDefault("stats_interval", 0)
	v.SetDefault("stats_time", 0)
	v.SetDefault("stats_final_only", false)
	v.SetDefault("stats_disable", false)
	v.SetDefault("recent_hit_count", 100)
	v.SetDefault("decoder_workers", 4)
	v.SetDefault("queue_size", 2000)
	v.SetDefault("exit_on_disconnect", false)
}

// readConfigFile loads configPath into v if a path was given. A missing
// --config flag is not an error: the CLI surface works with defaults and
// flags alone, the way cmd/dastard/main.go treats its config file as an
// always-present but otherwise optional layer.
func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return nil
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", configPath, err)
	}
	return nil
}

// Parse resolves a Config from defaults, an optional YAML file named by
// --config, and the remaining flags in args (typically os.Args[1:]).
func Parse(args []string, errOutput io.Writer) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := flag.NewFlagSet("tpx3ingest", flag.ContinueOnError)
	fs.SetOutput(errOutput)

	configPath := fs.String("config", "", "path to an optional YAML config file")
	hostPort := fs.String("host", "", "host[:port] of the SERVAL TCP stream (default 127.0.0.1:8085)")
	port := fs.Int("port", 0, "port of the SERVAL TCP stream, if not given in --host")
	inputFile := fs.String("input-file", "", "read a flat capture file instead of connecting over TCP")
	reorder := fs.Bool("reorder", false, "reorder SPIDR packet ids within each chunk before decode")
	reorderWindow := fs.Int("reorder-window", 0, "reorder buffer capacity (default 1000)")
	statsInterval := fs.Int("stats-interval", 0, "hit-count statistics interval (stored in the config; periodic output is timed by --stats-time only)")
	statsTime := fs.Int("stats-time", 0, "print periodic statistics every N seconds")
	statsFinalOnly := fs.Bool("stats-final-only", false, "suppress periodic statistics, print only the final summary")
	statsDisable := fs.Bool("stats-disable", false, "suppress periodic statistics; the final summary is still printed")
	recentHitCount := fs.Int("recent-hit-count", 0, "capacity of the recent-hit ring (default 100)")
	decoderWorkers := fs.Int("decoder-workers", 0, "number of decode worker goroutines (default 4)")
	queueSize := fs.Int("queue-size", 0, "bounded ingress queue capacity (default 2000)")
	exitOnDisconnect := fs.Bool("exit-on-disconnect", false, "exit instead of reconnecting when the TCP connection is lost")

	fs.Usage = func() {
		fmt.Fprintf(errOutput, "tpx3ingest decodes a TPX3/SERVAL raw data stream from a live TCP connection or a flat capture file.\n")
		fmt.Fprintf(errOutput, "Usage: tpx3ingest [flags]\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := readConfigFile(v, *configPath); err != nil {
		return nil, err
	}

	if *hostPort != "" {
		host, p, err := splitHostPort(*hostPort)
		if err != nil {
			return nil, err
		}
		v.Set("host", host)
		if p != 0 {
			v.Set("port", p)
		}
	}
	if *port != 0 {
		v.Set("port", *port)
	}
	if *inputFile != "" {
		v.Set("input_file", *inputFile)
	}
	if *reorder {
		v.Set("reorder", true)
	}
	if *reorderWindow != 0 {
		v.Set("reorder_window", *reorderWindow)
	}
	if *statsInterval != 0 {
		v.Set("stats_interval", *statsInterval)
	}
	if *statsTime != 0 {
		v.Set("stats_time", *statsTime)
	}
	if *statsFinalOnly {
		v.Set("stats_final_only", true)
	}
	if *statsDisable {
		v.Set("stats_disable", true)
	}
	if *recentHitCount != 0 {
		v.Set("recent_hit_count", *recentHitCount)
	}
	if *decoderWorkers != 0 {
		v.Set("decoder_workers", *decoderWorkers)
	}
	if *queueSize != 0 {
		v.Set("queue_size", *queueSize)
	}
	if *exitOnDisconnect {
		v.Set("exit_on_disconnect", true)
	}

	cfg := &Config{
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		InputFile:         v.GetString("input_file"),
		Reorder:           v.GetBool("reorder"),
		ReorderWindow:     v.GetInt("reorder_window"),
		StatsIntervalHits: v.GetInt("stats_interval"),
		StatsTimeSeconds:  v.GetInt("stats_time"),
		StatsFinalOnly:    v.GetBool("stats_final_only"),
		StatsDisable:      v.GetBool("stats_disable"),
		RecentHitCount:    v.GetInt("recent_hit_count"),
		DecoderWorkers:    v.GetInt("decoder_workers"),
		QueueSize:         v.GetInt("queue_size"),
		ExitOnDisconnect:  v.GetBool("exit_on_disconnect"),
	}
	return cfg, nil
}

// splitHostPort accepts "host", "host:port", or ":port" the way
// cmd/udpdump's flag parsing accepts a bare positional host[:port].
func splitHostPort(hostPort string) (string, int, error) {
	pieces := strings.Split(hostPort, ":")
	switch len(pieces) {
	case 1:
		return pieces[0], 0, nil
	case 2:
		host := pieces[0]
		if host == "" {
			host = "127.0.0.1"
		}
		if pieces[1] == "" {
			return host, 0, nil
		}
		var p int
		if _, err := fmt.Sscanf(pieces[1], "%d", &p); err != nil {
			return "", 0, fmt.Errorf("cannot parse port %q: %w", pieces[1], err)
		}
		return host, p, nil
	default:
		return "", 0, fmt.Errorf("cannot parse host %q with %d colon separators", hostPort, len(pieces)-1)
	}
}

// Addr renders Host/Port as a net.Dial-ready "host:port" string.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
