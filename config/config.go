/*
Package config implements the command line and the YAML file
configuration of the filtergate executable.

Every option can be set as a command line flag, and in the YAML file
passed with -config-file, using the flag names as keys. When both are
set, the command line wins.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/zalando/filtergate"
	"github.com/zalando/filtergate/filemanager"
	"github.com/zalando/filtergate/logging"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address         string `yaml:"address"`
	SupportListener string `yaml:"support-listener"`

	// filters:
	FilterDirectories *directoryFlag `yaml:"filter-dir"`
	PollInterval      time.Duration  `yaml:"poll-interval"`
	Watch             bool           `yaml:"watch"`
	FilterSuffixes    *listFlag      `yaml:"filter-suffixes"`
	DisabledFilters   *listFlag      `yaml:"disabled-filters"`

	// scripting:
	LuaPoolSize        int       `yaml:"lua-pool-size"`
	LuaModules         *listFlag `yaml:"lua-modules"`
	JavaScriptPoolSize int       `yaml:"javascript-pool-size"`
	JavaScriptStrict   bool      `yaml:"javascript-strict"`

	// logging, metrics:
	ApplicationLog            string    `yaml:"application-log"`
	ApplicationLogLevel       log.Level `yaml:"-"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	MetricsFlavour            string    `yaml:"metrics-flavour"`
	MetricsPrefix             string    `yaml:"metrics-prefix"`
}

const (
	defaultAddress         = ":9090"
	defaultSupportListener = ":9911"
	defaultLuaPoolSize     = 8
	defaultMetricsFlavour  = "prometheus"
)

func NewConfig() *Config {
	cfg := new(Config)
	cfg.FilterDirectories = &directoryFlag{}
	cfg.FilterSuffixes = commaListFlag()
	cfg.DisabledFilters = commaListFlag()
	cfg.LuaModules = commaListFlag()

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", defaultAddress, "network address that filtergate should listen on")
	flag.StringVar(&cfg.SupportListener, "support-listener", defaultSupportListener, "network address used for exposing the /metrics and the /filters endpoints. An empty value disables the support endpoint.")

	// filters:
	flag.Var(cfg.FilterDirectories, "filter-dir", "directory of filter sources labeled with the default phase of its filters, e.g. pre=/etc/filters/pre. Can be repeated, or comma separated")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", filemanager.DefaultPollInterval, "interval of polling the filter directories for changes")
	flag.BoolVar(&cfg.Watch, "watch", false, "reload the filter sources on file system notifications, in addition to polling")
	flag.Var(cfg.FilterSuffixes, "filter-suffixes", "comma separated file name suffixes of the filter sources, by default all supported: .lua,.js,.so")
	flag.Var(cfg.DisabledFilters, "disabled-filters", "comma separated names of the filters that are switched off")

	// scripting:
	flag.IntVar(&cfg.LuaPoolSize, "lua-pool-size", defaultLuaPoolSize, "maximum number of idle Lua states kept per filter")
	flag.Var(cfg.LuaModules, "lua-modules", "comma separated list of the enabled Lua modules and symbols, e.g. base,string.format. All are enabled when empty")
	flag.IntVar(&cfg.JavaScriptPoolSize, "javascript-pool-size", defaultLuaPoolSize, "maximum number of idle JavaScript runtimes kept per filter")
	flag.BoolVar(&cfg.JavaScriptStrict, "javascript-strict", false, "compile the JavaScript filters in strict mode")

	// logging, metrics:
	flag.StringVar(&cfg.ApplicationLog, "application-log", "", "output file for the application log. When not set, /dev/stderr is used")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.MetricsFlavour, "metrics-flavour", defaultMetricsFlavour, "metrics format: 'prometheus' or 'codahale'")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "", "prefix of the metric names")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	if _, err := log.ParseLevel(c.ApplicationLogLevelString); err != nil {
		return err
	}

	if c.MetricsFlavour != "prometheus" && c.MetricsFlavour != "codahale" {
		return fmt.Errorf("invalid metrics flavour: %s", c.MetricsFlavour)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %v", c.PollInterval)
	}

	if len(c.FilterDirectories.values) == 0 {
		return errors.New("no filter directory configured")
	}

	return nil
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		// the directories given on the command line replace the ones
		// from the file
		c.Flags.Visit(func(f *flag.Flag) {
			if f.Name == "filter-dir" {
				c.FilterDirectories.values = nil
			}
		})

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)
	return nil
}

// LogOptions returns the options of the application log.
func (c *Config) LogOptions() (logging.Options, error) {
	o := logging.Options{
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
	}

	if c.ApplicationLog != "" {
		f, err := os.OpenFile(c.ApplicationLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return o, fmt.Errorf("failed to open application log: %w", err)
		}

		o.ApplicationLogOutput = f
	}

	return o, nil
}

func (c *Config) ToOptions() filtergate.Options {
	return filtergate.Options{
		Directories:        c.FilterDirectories.values,
		PollInterval:       c.PollInterval,
		Watch:              c.Watch,
		Suffixes:           c.FilterSuffixes.values,
		DisabledFilters:    c.DisabledFilters.values,
		LuaPoolSize:        c.LuaPoolSize,
		LuaModules:         c.LuaModules.values,
		JavaScriptPoolSize: c.JavaScriptPoolSize,
		JavaScriptStrict:   c.JavaScriptStrict,
		MetricsFlavour:     c.MetricsFlavour,
		MetricsPrefix:      c.MetricsPrefix,
		SupportListener:    c.SupportListener,
	}
}
