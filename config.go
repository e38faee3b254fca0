package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	CONFIG_FILE_ENV_VAR          = "LOGICCTL_CONFIG_FILE"
	CONFIG_FILE_DEFAULT_LOCATION = "/etc/logicctl/conf.ini"
)

var (
	errNoConfigFound    = errors.New("unable to find valid configuration file")
	errInvalidConfigQty = errors.New("invalid quantity")
)

type cfgNetIface struct {
	ListenHost string
	ListenPort int
}

type config struct {
	Device struct {
		Driver   string
		Serial   string
		Channels int
		Realtime bool
	}
	Capture struct {
		SampleRate  string
		BufferSize  string
		Mode        string
		Delay       int
		AutoTrigger bool
		Channels    string
	}
	Trigger struct {
		Conditions string
		External   string
	}
	Decoders struct {
		Stacks string
	}
	Output struct {
		Database  string
		BatchSize int
	}
	CtrlInterface cfgNetIface
	Log           struct {
		Level string
	}
	Tracing struct {
		Enabled     bool
		ServiceName string
	}
}

func getConfigFileLocation(cliFlag string) string {
	if cliFlag != "" {
		return cliFlag
	}

	if envFile := os.Getenv(CONFIG_FILE_ENV_VAR); envFile != "" {
		return envFile
	}

	return CONFIG_FILE_DEFAULT_LOCATION
}

func getDefaults() config {
	var cfg config
	cfg.Device.Driver = "sim"
	cfg.Device.Channels = simChannels
	cfg.Capture.SampleRate = "1M"
	cfg.Capture.BufferSize = "4k"
	cfg.Capture.Mode = "oneshot"
	cfg.Capture.Channels = "0"
	cfg.Output.BatchSize = defaultBatchSize
	cfg.CtrlInterface = cfgNetIface{ListenHost: "localhost", ListenPort: 8081}
	cfg.Log.Level = "info"
	cfg.Tracing.ServiceName = "logicctl"
	return cfg
}

func getConfig(cliFlag *string) (*config, error) {
	var cfg = getDefaults()

	if err := ini.MapToWithMapper(&cfg, ini.TitleUnderscore, getConfigFileLocation(*cliFlag)); err != nil {
		if os.IsNotExist(err) {
			return nil, errNoConfigFound
		}

		return nil, err
	}

	return &cfg, nil
}

// getConfigOrDefaults falls back to the built-in defaults when no file is
// found. Any other error is returned.
func getConfigOrDefaults(cliFlag *string) (*config, error) {
	cfg, err := getConfig(cliFlag)
	if errors.Is(err, errNoConfigFound) {
		slog.Warn("no configuration file, using defaults", slog.String("path", getConfigFileLocation(*cliFlag)))
		d := getDefaults()
		return &d, nil
	}
	return cfg, err
}

// quantity parses values such as "24k", "1M" or "62500".
func quantity(s string) (float64, error) {
	val := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "HZ")
	mult := 1.0

	switch {
	case strings.HasSuffix(val, "K"):
		val, mult = strings.TrimSuffix(val, "K"), 1e3
	case strings.HasSuffix(val, "M"):
		val, mult = strings.TrimSuffix(val, "M"), 1e6
	case strings.HasSuffix(val, "G"):
		val, mult = strings.TrimSuffix(val, "G"), 1e9
	}

	f64, err := strconv.ParseFloat(val, 64)
	if err != nil || f64 < 0 {
		return 0, fmt.Errorf("%w: %q", errInvalidConfigQty, s)
	}
	return f64 * mult, nil
}

func (c *config) sampleRate() (float64, error) {
	return quantity(c.Capture.SampleRate)
}

func (c *config) bufferSize() (uint64, error) {
	f, err := quantity(c.Capture.BufferSize)
	return uint64(f), err
}

func (c *config) captureMode() (captureMode, error) {
	return parseCaptureMode(c.Capture.Mode)
}

// dataChannels parses "0,2,4-7" into channel numbers.
func (c *config) dataChannels() ([]int, error) {
	var out []int
	for _, part := range strings.Split(c.Capture.Channels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: channel %q", errConfiguration, part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || last < first {
				return nil, fmt.Errorf("%w: channel range %q", errConfiguration, part)
			}
		}
		for ch := first; ch <= last; ch++ {
			out = append(out, ch)
		}
	}
	return out, nil
}

// triggerConditions parses "0:rising, 3:high" into channel conditions.
func (c *config) triggerConditions() (map[int]triggerCondition, error) {
	out := make(map[int]triggerCondition)
	for _, part := range strings.Split(c.Trigger.Conditions, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		chStr, condStr, ok := strings.Cut(part, ":")
		ch, err := strconv.Atoi(strings.TrimSpace(chStr))
		if !ok || err != nil {
			return nil, fmt.Errorf("%w: trigger %q", errConfiguration, part)
		}
		cond, err := parseTriggerCondition(condStr)
		if err != nil {
			return nil, err
		}
		out[ch] = cond
	}
	return out, nil
}

type stageSpec struct {
	id      string
	options map[string]string
}

type stackSpec struct {
	name   string
	stages []stageSpec
}

func (c *config) decoderStacks() ([]stackSpec, error) {
	return parseStacks(c.Decoders.Stacks)
}

// parseStacks reads "uart:rx=0:baud=62500>text | spi:clk=1:mosi=2". Stacks
// are separated by '|', stages by '>', options by ':'. A leading "name="
// labels the curve.
func parseStacks(s string) ([]stackSpec, error) {
	var out []stackSpec
	for _, raw := range strings.Split(s, "|") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var spec stackSpec
		if name, rest, ok := strings.Cut(raw, "="); ok && !strings.ContainsAny(name, ":>") {
			spec.name, raw = strings.TrimSpace(name), rest
		}
		for _, st := range strings.Split(raw, ">") {
			fields := strings.Split(strings.TrimSpace(st), ":")
			stage := stageSpec{id: strings.TrimSpace(fields[0]), options: map[string]string{}}
			if stage.id == "" {
				return nil, fmt.Errorf("%w: empty decoder in stack %q", errConfiguration, raw)
			}
			for _, kv := range fields[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return nil, fmt.Errorf("%w: option %q in stack %q", errConfiguration, kv, raw)
				}
				stage.options[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			spec.stages = append(spec.stages, stage)
		}
		out = append(out, spec)
	}
	return out, nil
}

func (c *config) logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
