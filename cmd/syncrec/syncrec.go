package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openrf/syncrec"
	"github.com/openrf/syncrec/internal/runlog"

	"github.com/oklog/ulid/v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// listValue is a repeatable flag whose occurrences accumulate; each
// occurrence may itself hold comma-separated entries.
type listValue []string

func (l *listValue) String() string { return strings.Join(*l, ",") }

func (l *listValue) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		*l = append(*l, strings.TrimSpace(part))
	}
	return nil
}

// floatListValue is a repeatable flag accumulating comma-separated numbers.
type floatListValue []float64

func (l *floatListValue) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (l *floatListValue) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return err
		}
		*l = append(*l, v)
	}
	return nil
}

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("verbose", true)
	viper.SetDefault("status_port", syncrec.Ports.Status)
	viper.SetDefault("driver", "uhd")

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotDir := filepath.Join(HOME, ".syncrec")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/syncrec"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	syncrec.Build.Date = buildDate
	syncrec.Build.Githash = githash

	var (
		mboards    listValue
		subdevs    listValue
		chs        listValue
		freqs      floatListValue
		loOffsets  floatListValue
		gains      floatListValue
		bandwidths floatListValue
		antennas   listValue
		devArgs    listValue
		streamArgs listValue
		metadata   listValue
	)
	flag.Var(&mboards, "m", "mainboard identifier (address, serial, type, name, or key=value); repeatable")
	flag.Var(&subdevs, "d", "subdevice specification per mainboard; repeatable")
	flag.Var(&chs, "c", "channel name per receiver channel; repeatable")
	flag.Var(&freqs, "f", "center frequency in Hz per channel; repeatable")
	flag.Var(&loOffsets, "lo_offset", "LO offset in Hz per channel; repeatable")
	flag.Var(&gains, "g", "gain in dB per channel; repeatable")
	flag.Var(&bandwidths, "b", "frontend bandwidth in Hz per channel; repeatable")
	flag.Var(&antennas, "y", "antenna name per channel; repeatable")
	flag.Var(&devArgs, "devargs", "device argument as key=value; repeatable")
	flag.Var(&streamArgs, "streamargs", "stream argument as key=value; repeatable")
	flag.Var(&metadata, "metadata", "extra archive metadata as key=value or bare value; repeatable")

	samplerate := flag.Float64("r", 1e6, "requested sample rate in Hz")
	dec := flag.Int("i", 1, "integer decimation factor applied before archiving")
	starttime := flag.String("s", "", "start time: sample index, Unix seconds, or RFC 3339")
	endtime := flag.String("e", "", "end time: sample index, Unix seconds, or RFC 3339")
	duration := flag.Int("l", 0, "duration in seconds (0 = until end time or interrupt)")
	period := flag.Int("p", 10, "repeat period in seconds for aligning a stale start time")
	syncSource := flag.String("sync_source", "external", "clock and time source for all mainboards")
	nosync := flag.Bool("nosync", false, "skip PPS synchronization, set time from host clock")
	stopOnDropped := flag.Bool("stop_on_dropped", false, "abort the recording when samples are dropped")
	realtime := flag.Bool("realtime", false, "check kernel network tuning before recording")
	uuid := flag.String("uuid", "", "collection identifier (default: generate one)")
	fileCadence := flag.Int("file_cadence_ms", 1000, "file cadence in milliseconds")
	subdirCadence := flag.Int("subdir_cadence_s", 3600, "subdirectory cadence in seconds")
	driver := flag.String("driver", "", `device driver (config file default; "sim" for the simulated device)`)
	quiet := flag.Bool("q", false, "reduce text output")
	notest := flag.Bool("notest", false, "skip the device settings test at startup")
	nostatus := flag.Bool("nostatus", false, "do not publish status messages")
	printVersion := flag.Bool("version", false, "print version and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is syncrec version %s\n", syncrec.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] DATADIR\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Start logging problems to a rotating log file.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".syncrec", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	syncrec.ProblemLogger = startLogger(problemname)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	raw := syncrec.DefaultRawConfig()
	if err := viper.Unmarshal(&raw); err != nil {
		panic(err)
	}
	raw.Datadir = flag.Arg(0)
	if len(mboards) > 0 {
		raw.Mboards = mboards
	}
	if len(subdevs) > 0 {
		raw.Subdevs = subdevs
	}
	if len(chs) > 0 {
		raw.Chs = chs
	}
	if len(freqs) > 0 {
		raw.Centerfreqs = freqs
	}
	if len(loOffsets) > 0 {
		raw.LOOffsets = loOffsets
	}
	if len(gains) > 0 {
		raw.Gains = gains
	}
	if len(bandwidths) > 0 {
		raw.Bandwidths = bandwidths
	}
	if len(antennas) > 0 {
		raw.Antennas = antennas
	}
	if len(devArgs) > 0 {
		args, err := syncrec.ParseKVArgs(devArgs)
		if err != nil {
			fatal(err)
		}
		raw.DevArgs = args
	}
	if len(streamArgs) > 0 {
		args, err := syncrec.ParseKVArgs(streamArgs)
		if err != nil {
			fatal(err)
		}
		raw.StreamArgs = args
	}
	raw.Metadata = syncrec.ParseMetadata(metadata)
	raw.SampleRate = *samplerate
	raw.Dec = *dec
	raw.Sync = !*nosync
	raw.SyncSource = *syncSource
	raw.StopOnDropped = *stopOnDropped
	raw.Realtime = *realtime
	raw.UUID = *uuid
	raw.FileCadenceMillisecs = *fileCadence
	raw.SubdirCadenceSecs = *subdirCadence
	raw.Verbose = !*quiet
	raw.TestSettings = !*notest

	// A first resolve supplies the device argument string and channel count
	// for opening the device; the session resolves again for its own use.
	cfg, err := raw.Resolve()
	if err != nil {
		fatal(err)
	}

	if !*quiet {
		fmt.Printf("This is syncrec version %s (git commit %s)\n", syncrec.Build.Version, githash)
	}

	drv := *driver
	if drv == "" {
		drv = viper.GetString("driver")
	}
	dev, err := syncrec.OpenDevice(drv, cfg.DeviceArgs(), cfg.NChans)
	if err != nil {
		fatal(err)
	}

	session, err := syncrec.NewSession(raw, dev)
	if err != nil {
		fatal(err)
	}

	if !*nostatus {
		sp, err := syncrec.NewStatusPublisher(viper.GetInt("status_port"))
		if err != nil {
			syncrec.ProblemLogger.Printf("status publisher disabled: %s", err)
		} else {
			session.SetStatusPublisher(sp)
			defer sp.Close()
		}
	}

	// An interrupt requests a clean stop, not an error.
	abort := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		close(abort)
	}()

	hostname, _ := os.Hostname()
	db := runlog.Start(&runlog.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Version:   syncrec.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}, abort)
	session.SetRunLog(db)

	opt := syncrec.RunOptions{
		StartTime: *starttime,
		EndTime:   *endtime,
		Duration:  time.Duration(*duration) * time.Second,
		Period:    time.Duration(*period) * time.Second,
	}
	if err := session.Run(opt, abort); err != nil {
		syncrec.ProblemLogger.Print(err)
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
