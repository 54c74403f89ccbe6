package syncrec

import (
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"

	"github.com/openrf/syncrec/internal/drf"
	"github.com/openrf/syncrec/internal/firdes"
	"github.com/openrf/syncrec/internal/runlog"
)

// RunOptions is the per-run time intent. Start and end are time
// identifiers: sample index, Unix seconds, or RFC 3339.
type RunOptions struct {
	StartTime string
	EndTime   string
	Duration  time.Duration
	// Period is the experiment cycle length for aligning a stale start
	// time forward; zero means the 10 s default.
	Period time.Duration
}

// Session orchestrates one acquisition: configuration is resolved once at
// construction, then each Run resolves the schedule, synchronizes the
// device, assembles the flowgraph, records, and tears everything down.
type Session struct {
	cfg     *ResolvedConfig
	dev     Device
	syncCfg SyncConfig
	state   *SyncState

	status *StatusPublisher
	db     *runlog.Connection

	tornDown int // runs of teardown, for tests
}

// NewSession resolves the raw configuration and, unless TestSettings is
// disabled, applies it to the device once to surface setting rejections
// before the experiment start draws near.
func NewSession(raw RawConfig, dev Device) (*Session, error) {
	cfg, err := raw.Resolve()
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		dev:     dev,
		syncCfg: DefaultSyncConfig(),
		db:      runlog.Dummy(),
	}
	if cfg.Verbose {
		log.Printf("Main boards: %v", cfg.MboardStrs)
		log.Printf("Subdevices: %v", cfg.Subdevs)
		log.Printf("Channel names: %v", cfg.Chs)
		log.Printf("Sample rate: %g, decimation: %d", cfg.SampleRate, cfg.Dec)
		log.Printf("Data dir: %s", cfg.Datadir)
	}
	if cfg.TestSettings {
		if cfg.Verbose {
			log.Println("Initialization: testing device settings.")
		}
		if _, err := NewSyncController(dev, cfg, s.syncCfg).Setup(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config returns the resolved configuration (including hardware read-backs
// once a run has performed setup).
func (s *Session) Config() *ResolvedConfig { return s.cfg }

// SetSyncConfig overrides the synchronization tuning; call before Run.
func (s *Session) SetSyncConfig(sc SyncConfig) { s.syncCfg = sc }

// SetStatusPublisher attaches a ZMQ status publisher.
func (s *Session) SetStatusPublisher(sp *StatusPublisher) { s.status = sp }

// SetRunLog attaches a database connection for run bookkeeping.
func (s *Session) SetRunLog(db *runlog.Connection) { s.db = db }

func (s *Session) publish(tag string, msg interface{}) {
	if s.status != nil {
		s.status.Publish(tag, msg)
	}
}

// outputRate returns the best known exact output rate: the synchronized
// rational once setup has run, otherwise one derived from the requested
// settings. Both are exact for identifier parsing.
func (s *Session) outputRate() *big.Rat {
	if s.state != nil {
		return s.state.OutputRate
	}
	r := ratFromFloat(s.cfg.SampleRate)
	return r.Quo(r, new(big.Rat).SetInt64(int64(s.cfg.Dec)))
}

// Run performs one scheduled acquisition. An abort (the interrupt signal)
// during any wait stops the run cleanly and is not an error; teardown runs
// on every exit path.
func (s *Session) Run(opt RunOptions, abort <-chan struct{}) error {
	period := opt.Period
	if period == 0 {
		period = 10 * time.Second
	}

	rate := s.outputRate()
	st, err := ParseTimeIdentifier(opt.StartTime, rate)
	if err != nil {
		return err
	}
	et, err := ParseTimeIdentifier(opt.EndTime, rate)
	if err != nil {
		return err
	}

	sched := &Schedule{
		Start:    st,
		End:      et,
		Duration: opt.Duration,
		Period:   period,
		Setup:    s.syncCfg.SetupTime,
	}
	sched.Start = sched.AlignStart(sched.Start)
	if !sched.Start.IsZero() && s.cfg.Verbose {
		log.Printf("Start time: %s", sched.Start.Format(time.RFC3339))
	}

	// Schedule validation happens before any device contact.
	if err := sched.Validate(); err != nil {
		return err
	}

	if s.cfg.Realtime {
		for _, w := range CheckNetworkTuning(defaultRecvBufBytes) {
			log.Printf("tuning: %s", w)
		}
	}

	// Create the data directory early so external ringbuffer tooling can
	// watch it during the standby wait.
	if s.cfg.Datadir != "" {
		if err := os.MkdirAll(s.cfg.Datadir, 0775); err != nil {
			return err
		}
	}

	var fg *Flowgraph
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			s.tornDown++
			if fg != nil {
				fg.Stop()
				if err := fg.Wait(); err != nil {
					log.Printf("pipeline drained with error: %s", err)
				}
			}
			s.publish("STATE", "stopped")
		})
	}
	defer teardown()

	if !sched.WaitForStart(abort, s.cfg.Verbose) {
		// Aborted during standby; no device command has been issued.
		return nil
	}

	sc := NewSyncController(s.dev, s.cfg, s.syncCfg)
	state, err := sc.Setup()
	if err != nil {
		return err
	}
	s.state = state
	if s.cfg.Verbose {
		log.Printf("Exact sample rate: %s Hz (%.6f)", state.Rate.RatString(), state.RateFloat())
		spew.Dump(s.cfg.Chs, s.cfg.Centerfreqs, s.cfg.Gains, s.cfg.Bandwidths, s.cfg.Antennas)
	}
	if err := sc.Latch(state); err != nil {
		return err
	}

	launch := sched.ComputeLaunch(state.OutputRate)
	if s.cfg.Verbose {
		log.Printf("Launch time: %s (sample %d)", launch.Time.Format(time.RFC3339Nano), launch.Index)
	}

	fg, err = s.buildFlowgraph(state, launch)
	if err != nil {
		return err
	}
	if err := s.dev.SetStartTime(timeSpecForSample(launch.Index, state.OutputRate)); err != nil {
		return err
	}
	if err := fg.Start(timeSpecForSample(launch.Index, state.OutputRate)); err != nil {
		return err
	}
	s.publish("LAUNCH", map[string]interface{}{
		"time":  launch.Time.Format(time.RFC3339Nano),
		"index": launch.Index,
	})
	recordings := s.recordRunStart(launch)

	if launch.End.IsZero() {
		// Open-ended: run until the pipeline stops on its own or we are
		// interrupted.
		select {
		case <-abort:
		case <-fg.Done():
		}
	} else if sched.WaitBeforeEnd(launch.End, abort) {
		// Hardware-schedule the stop at the exact end instant, then wait
		// until it has fired.
		if err := IssueTimedStop(s.dev, launch.End, state.OutputRate); err != nil {
			return err
		}
		select {
		case <-abort:
		case <-time.After(time.Until(launch.End.Add(stopLead))):
		}
	}

	teardown()
	for _, rec := range recordings {
		s.db.RecordFinish(rec)
	}
	if s.cfg.Verbose {
		log.Println("done")
	}
	return nil
}

// defaultRecvBufBytes matches the recv_buff_size device argument default.
const defaultRecvBufBytes = 100000000

// buildFlowgraph creates the per-channel chains: an optional decimating
// low-pass filter and an archive sink carrying the read-back metadata.
func (s *Session) buildFlowgraph(state *SyncState, launch Launch) (*Flowgraph, error) {
	cfg := s.cfg

	var taps []float64
	if cfg.Dec > 1 {
		outRate := state.OutputRateFloat()
		var err error
		taps, err = firdes.LowPass2(1.0, state.RateFloat(), outRate/2, 0.2*outRate, 80.0)
		if err != nil {
			return nil, err
		}
		if cfg.Verbose {
			log.Printf("Decimating by %d with a %d-tap low-pass filter", cfg.Dec, len(taps))
		}
	}

	uuid := cfg.UUID
	if uuid == "" {
		// All channels of one collection share an identifier.
		uuid = ulid.Make().String()
	}

	num := state.OutputRate.Num().Uint64()
	den := state.OutputRate.Denom().Uint64()

	filters := make([]Filter, cfg.NChans)
	sinks := make([]Sink, cfg.NChans)
	for ch := 0; ch < cfg.NChans; ch++ {
		if cfg.Dec > 1 {
			dec, err := firdes.NewDecimator(taps, cfg.Dec)
			if err != nil {
				return nil, err
			}
			filters[ch] = newDecimFilter(dec, cfg.Dec)
		}
		w, err := drf.NewWriter(drf.Config{
			ChannelDir:           filepath.Join(cfg.Datadir, cfg.Chs[ch]),
			SubdirCadenceSecs:    cfg.SubdirCadenceSecs,
			FileCadenceMillisecs: cfg.FileCadenceMillisecs,
			RateNum:              num,
			RateDen:              den,
			StartIndex:           launch.Index,
			UUID:                 uuid,
			StopOnSkipped:        cfg.StopOnDropped,
			Shorts:               cfg.Dec == 1,
			Metadata:             s.channelMetadata(ch, state),
		})
		if err != nil {
			return nil, err
		}
		sinks[ch] = &drfSink{w: w}
	}
	return NewFlowgraph(s.dev, filters, sinks)
}

// channelMetadata assembles the per-channel metadata mapping the archive
// records: the operator's key=value pairs plus the receiver state actually
// read back from hardware.
func (s *Session) channelMetadata(ch int, state *SyncState) map[string]interface{} {
	cfg := s.cfg
	md := make(map[string]interface{}, len(cfg.Metadata)+1)
	for k, v := range cfg.Metadata {
		md[k] = v.Interface()
	}
	mb := cfg.MboardNumOfChan[ch]
	md["receiver"] = map[string]interface{}{
		"description":  "synchronized receiver acquisition",
		"info":         s.dev.Info(ch),
		"antenna":      cfg.Antennas[ch],
		"bandwidth":    cfg.Bandwidths[ch],
		"center_freq":  cfg.Centerfreqs[ch],
		"clock_rate":   s.dev.ClockRate(mb),
		"clock_source": s.dev.ClockSource(mb),
		"gain":         cfg.Gains[ch],
		"id":           cfg.MboardOfChan[ch],
		"lo_offset":    cfg.LOOffsets[ch],
		"otw_format":   "sc16",
		"samp_rate":    s.dev.SampleRate(),
		"stream_args":  cfg.StreamArgs,
		"subdev":       cfg.SubdevOfChan[ch],
		"time_source":  s.dev.TimeSource(mb),
	}
	return md
}

// recordRunStart logs one bookkeeping row per channel.
func (s *Session) recordRunStart(launch Launch) []*runlog.RecordingMessage {
	recs := make([]*runlog.RecordingMessage, 0, s.cfg.NChans)
	num := s.state.OutputRate.Num().Uint64()
	den := s.state.OutputRate.Denom().Uint64()
	for ch := 0; ch < s.cfg.NChans; ch++ {
		rec := &runlog.RecordingMessage{
			ID:            ulid.Make().String(),
			ActivityID:    s.db.ActivityID(),
			Channel:       s.cfg.Chs[ch],
			Directory:     filepath.Join(s.cfg.Datadir, s.cfg.Chs[ch]),
			RateNumerator: num,
			RateDenom:     den,
			StartIndex:    launch.Index,
			CenterFreq:    s.cfg.Centerfreqs[ch],
			Gain:          s.cfg.Gains[ch],
			Start:         launch.Time,
		}
		s.db.RecordStart(rec)
		recs = append(recs, rec)
	}
	return recs
}

// drfSink adapts a drf.Writer to the Sink interface.
type drfSink struct {
	w *drf.Writer
}

func (d *drfSink) Write(block SampleBlock) error {
	return d.w.Write(block.Index, block.Data)
}

func (d *drfSink) Close() error { return d.w.Close() }
