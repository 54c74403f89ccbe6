package syncrec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// RawConfig carries user-supplied acquisition settings, with per-board and
// per-channel lists possibly shorter than their targets. Resolve normalizes
// and validates it. Field tags let it load from a viper config file.
type RawConfig struct {
	Datadir string `mapstructure:"datadir"`

	Mboards []string `mapstructure:"mboards"`
	Subdevs []string `mapstructure:"subdevs"`

	Chs         []string  `mapstructure:"channels"`
	Centerfreqs []float64 `mapstructure:"centerfreqs"`
	LOOffsets   []float64 `mapstructure:"lo_offsets"`
	Gains       []float64 `mapstructure:"gains"`
	Bandwidths  []float64 `mapstructure:"bandwidths"`
	Antennas    []string  `mapstructure:"antennas"`

	DevArgs    []string `mapstructure:"dev_args"`
	StreamArgs []string `mapstructure:"stream_args"`

	SampleRate float64 `mapstructure:"samplerate"`
	Dec        int     `mapstructure:"dec"`

	Sync       bool   `mapstructure:"sync"`
	SyncSource string `mapstructure:"sync_source"`

	StopOnDropped bool `mapstructure:"stop_on_dropped"`
	Realtime      bool `mapstructure:"realtime"`

	FileCadenceMillisecs int `mapstructure:"file_cadence_ms"`
	SubdirCadenceSecs    int `mapstructure:"subdir_cadence_s"`

	Metadata map[string]MetaValue `mapstructure:"-"`
	UUID     string               `mapstructure:"uuid"`

	Verbose      bool `mapstructure:"verbose"`
	TestSettings bool `mapstructure:"test_settings"`
}

// DefaultRawConfig returns the settings used when the operator specifies
// nothing beyond a data directory.
func DefaultRawConfig() RawConfig {
	return RawConfig{
		Subdevs:              []string{"A:A"},
		Chs:                  []string{"ch0"},
		Centerfreqs:          []float64{100e6},
		LOOffsets:            []float64{0},
		Gains:                []float64{0},
		Bandwidths:           []float64{0},
		Antennas:             []string{""},
		DevArgs:              []string{"recv_buff_size=100000000", "num_recv_frames=512"},
		SampleRate:           1e6,
		Dec:                  1,
		Sync:                 true,
		SyncSource:           "external",
		FileCadenceMillisecs: 1000,
		SubdirCadenceSecs:    3600,
		Verbose:              true,
		TestSettings:         true,
	}
}

// ResolvedConfig is the fully-populated per-channel parameter table. All
// lists are index-aligned: Subdevs by mainboard, the rest by channel. The
// sync controller overwrites requested values with hardware read-backs;
// nothing else mutates it after Resolve.
type ResolvedConfig struct {
	RawConfig

	NMboards int
	NChans   int

	// MboardStrs are the classified kind=value identifier strings, one per
	// mainboard, ready to hand to the device layer.
	MboardStrs []string

	// Per-channel binding of logical channels to physical board+subdevice.
	MboardOfChan    []string
	SubdevOfChan    []string
	MboardNumOfChan []int
}

var (
	kvPairRe  = regexp.MustCompile(`^[^0-9=]+=.+$`)
	addrRe    = regexp.MustCompile(`^[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}$`)
	modelRe   = regexp.MustCompile(`^(usrp[123]|b2[01]0|x3[01]0)$`)
	hexRe     = regexp.MustCompile(`^[0-9A-Fa-f]+$`)
	metaIntRe = regexp.MustCompile(`^[+-]?[0-9]+$`)
)

// classifyMboard infers the identifier kind of one mainboard token and
// renders it as a kind=value string. When more than one mainboard is in
// play, the kind is suffixed with the board number to keep identifiers of
// the same kind distinct.
func classifyMboard(mb string, n, total int) string {
	mb = strings.TrimSpace(mb)
	var kind string
	switch {
	case kvPairRe.MatchString(mb):
		parts := strings.SplitN(mb, "=", 2)
		kind, mb = parts[0], parts[1]
	case addrRe.MatchString(mb):
		kind = "addr"
	case modelRe.MatchString(mb):
		kind = "type"
	case hexRe.MatchString(mb):
		kind = "serial"
	default:
		kind = "name"
	}
	if total == 1 {
		return fmt.Sprintf("%s=%s", kind, strings.TrimSpace(mb))
	}
	return fmt.Sprintf("%s%d=%s", kind, n, strings.TrimSpace(mb))
}

// cycleToLength extends vals to length n by repeating the given values in
// round-robin order. It never pads with defaults.
func cycleToLength[T any](vals []T, n int) []T {
	if len(vals) == 0 || n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = vals[i%len(vals)]
	}
	return out
}

// Resolve validates the raw configuration and produces the index-aligned
// per-channel tables. It touches no device and is idempotent.
func (rc RawConfig) Resolve() (*ResolvedConfig, error) {
	cfg := &ResolvedConfig{RawConfig: rc}

	if cfg.Dec < 1 {
		return nil, configErrorf("decimation factor must be >= 1, got %d", cfg.Dec)
	}
	if cfg.SampleRate <= 0 {
		return nil, configErrorf("sample rate must be positive, got %g", cfg.SampleRate)
	}

	cfg.NMboards = len(rc.Mboards)
	if cfg.NMboards == 0 {
		// No identifiers: use whatever single device is discoverable.
		cfg.NMboards = 1
	}
	cfg.NChans = len(rc.Chs)
	if cfg.NChans == 0 {
		return nil, configErrorf("at least one channel name is required")
	}

	cfg.Subdevs = cycleToLength(rc.Subdevs, cfg.NMboards)
	cfg.Centerfreqs = cycleToLength(rc.Centerfreqs, cfg.NChans)
	cfg.LOOffsets = cycleToLength(rc.LOOffsets, cfg.NChans)
	cfg.Gains = cycleToLength(rc.Gains, cfg.NChans)
	cfg.Bandwidths = cycleToLength(rc.Bandwidths, cfg.NChans)
	cfg.Antennas = cycleToLength(rc.Antennas, cfg.NChans)
	if cfg.Subdevs == nil {
		return nil, configErrorf("at least one subdevice specification is required")
	}

	cfg.MboardStrs = make([]string, 0, len(rc.Mboards))
	for n, mb := range rc.Mboards {
		cfg.MboardStrs = append(cfg.MboardStrs, classifyMboard(mb, n, len(rc.Mboards)))
	}

	// Each mainboard's subdevice spec must name every physical path once.
	for _, sd := range cfg.Subdevs {
		tokens := strings.Fields(sd)
		seen := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			if seen[tok] {
				return nil, configErrorf(
					"invalid subdevice specification %q: each subdevice for a given mainboard must be unique", sd)
			}
			seen[tok] = true
		}
	}

	// Bind logical channels to physical board+subdevice pairs in order.
	mboards := rc.Mboards
	if len(mboards) == 0 {
		mboards = []string{"default"}
	}
	for mbnum, sd := range cfg.Subdevs {
		for _, tok := range strings.Fields(sd) {
			cfg.MboardOfChan = append(cfg.MboardOfChan, mboards[mbnum])
			cfg.SubdevOfChan = append(cfg.SubdevOfChan, tok)
			cfg.MboardNumOfChan = append(cfg.MboardNumOfChan, mbnum)
		}
	}
	if len(cfg.SubdevOfChan) != cfg.NChans {
		return nil, configErrorf(
			"number of device channels (%d) does not match the number of channel names provided (%d)",
			len(cfg.SubdevOfChan), cfg.NChans)
	}

	return cfg, nil
}

// DeviceArgs joins the mainboard identifiers and device arguments into the
// composite string the device layer expects.
func (cfg *ResolvedConfig) DeviceArgs() string {
	parts := append(append([]string{}, cfg.MboardStrs...), cfg.DevArgs...)
	return strings.Join(parts, ",")
}

// ParseKVArgs normalizes repeated key=value argument lists: it rejects
// malformed entries and drops duplicate keys, keeping the last value.
func ParseKVArgs(args []string) ([]string, error) {
	kv := make(map[string]string, len(args))
	for _, a := range args {
		parts := strings.SplitN(a, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, configErrorf("device and stream arguments must be KEY=VALUE pairs, got %q", a)
		}
		kv[parts[0]] = parts[1]
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+kv[k])
	}
	return out, nil
}

// MetaKind enumerates the closed set of metadata value types.
type MetaKind int

const (
	MetaString MetaKind = iota
	MetaBool
	MetaInt
	MetaFloat
	MetaList
)

// MetaValue is one metadata value: a string, boolean, integer, float, or a
// list of these. Parsing is best effort; anything unrecognized stays a
// string.
type MetaValue struct {
	Kind  MetaKind
	Str   string
	Bool  bool
	Int   int64
	Float float64
	List  []MetaValue
}

// ParseMetaValue interprets a metadata token.
func ParseMetaValue(s string) MetaValue {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		var list []MetaValue
		if inner != "" {
			for _, item := range strings.Split(inner, ";") {
				list = append(list, ParseMetaValue(item))
			}
		}
		return MetaValue{Kind: MetaList, List: list}
	}
	switch s {
	case "true", "True":
		return MetaValue{Kind: MetaBool, Bool: true}
	case "false", "False":
		return MetaValue{Kind: MetaBool, Bool: false}
	}
	if metaIntRe.MatchString(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return MetaValue{Kind: MetaInt, Int: i}
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return MetaValue{Kind: MetaFloat, Float: f}
	}
	return MetaValue{Kind: MetaString, Str: strings.Trim(s, `"'`)}
}

// Interface returns the value as a plain Go type for JSON encoding.
func (v MetaValue) Interface() interface{} {
	switch v.Kind {
	case MetaBool:
		return v.Bool
	case MetaInt:
		return v.Int
	case MetaFloat:
		return v.Float
	case MetaList:
		items := make([]interface{}, len(v.List))
		for i, item := range v.List {
			items[i] = item.Interface()
		}
		return items
	default:
		return v.Str
	}
}

// ParseMetadata converts repeated KEY=VALUE metadata arguments to a map.
// Bare values without a key collect under the "metadata" key as a list.
func ParseMetadata(args []string) map[string]MetaValue {
	md := make(map[string]MetaValue)
	for _, a := range args {
		parts := strings.SplitN(a, "=", 2)
		if len(parts) != 2 {
			anon := md["metadata"]
			anon.Kind = MetaList
			anon.List = append(anon.List, ParseMetaValue(a))
			md["metadata"] = anon
			continue
		}
		md[parts[0]] = ParseMetaValue(parts[1])
	}
	return md
}
