// Package drf persists continuous complex sample streams as a cadenced
// directory archive: one subdirectory per coarse time bucket, one numpy
// file per fine time slice, plus a JSON properties file describing the
// stream. Sample indexes count samples since the Unix epoch at an exact
// rational rate, so files can be located by time without metadata lookups.
package drf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sbinet/npyio"
)

// Config describes one channel's archive.
type Config struct {
	// ChannelDir is the directory all of this channel's data lands in.
	ChannelDir string

	// SubdirCadenceSecs is the length of one subdirectory bucket.
	SubdirCadenceSecs int
	// FileCadenceMillisecs is the length of one file slice. It must divide
	// the subdirectory cadence and contain a whole number of samples.
	FileCadenceMillisecs int

	// RateNum/RateDen give the exact rational sample rate in Hz.
	RateNum uint64
	RateDen uint64

	// StartIndex is the sample index of the first sample to be written.
	StartIndex int64

	// UUID identifies the collection; a ULID is minted when empty.
	UUID string

	// StopOnSkipped makes a dropped-sample gap a fatal error instead of a
	// zero fill.
	StopOnSkipped bool

	// Shorts stores samples as interleaved int16 pairs instead of
	// complex64, halving disk use when no filtering has touched the data.
	Shorts bool

	Metadata map[string]interface{}
}

// Properties is the archive's self-description, written once per channel.
type Properties struct {
	FormatVersion        string                 `json:"format_version"`
	UUID                 string                 `json:"uuid"`
	RateNumerator        uint64                 `json:"sample_rate_numerator"`
	RateDenominator      uint64                 `json:"sample_rate_denominator"`
	StartIndex           int64                  `json:"start_sample_index"`
	IsComplex            bool                   `json:"is_complex"`
	Shorts               bool                   `json:"int16_samples"`
	SubdirCadenceSecs    int                    `json:"subdir_cadence_secs"`
	FileCadenceMillisecs int                    `json:"file_cadence_millisecs"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

const formatVersion = "1.0"

// Writer writes one channel's contiguous sample stream into the archive.
type Writer struct {
	cfg            Config
	samplesPerFile int64
	next           int64 // expected index of the next incoming sample
	buf            []complex64
	fileStart      int64 // index of the first sample in buf
	filesWritten   int
}

// NewWriter validates the cadence parameters, creates the channel
// directory, writes the properties file, and returns a Writer positioned at
// cfg.StartIndex.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.RateNum == 0 || cfg.RateDen == 0 {
		return nil, fmt.Errorf("sample rate rational must be nonzero, got %d/%d", cfg.RateNum, cfg.RateDen)
	}
	if cfg.SubdirCadenceSecs <= 0 || cfg.FileCadenceMillisecs <= 0 {
		return nil, fmt.Errorf("cadence parameters must be positive")
	}
	if (cfg.SubdirCadenceSecs*1000)%cfg.FileCadenceMillisecs != 0 {
		return nil, fmt.Errorf("file cadence %d ms must divide subdirectory cadence %d s",
			cfg.FileCadenceMillisecs, cfg.SubdirCadenceSecs)
	}
	spfNum := uint64(cfg.FileCadenceMillisecs) * cfg.RateNum
	spfDen := 1000 * cfg.RateDen
	if spfNum%spfDen != 0 {
		return nil, fmt.Errorf("file cadence %d ms does not hold a whole number of samples at %d/%d Hz",
			cfg.FileCadenceMillisecs, cfg.RateNum, cfg.RateDen)
	}
	if cfg.UUID == "" {
		cfg.UUID = ulid.Make().String()
	}

	if err := os.MkdirAll(cfg.ChannelDir, 0775); err != nil {
		return nil, err
	}
	props := Properties{
		FormatVersion:        formatVersion,
		UUID:                 cfg.UUID,
		RateNumerator:        cfg.RateNum,
		RateDenominator:      cfg.RateDen,
		StartIndex:           cfg.StartIndex,
		IsComplex:            true,
		Shorts:               cfg.Shorts,
		SubdirCadenceSecs:    cfg.SubdirCadenceSecs,
		FileCadenceMillisecs: cfg.FileCadenceMillisecs,
		Metadata:             cfg.Metadata,
	}
	raw, err := json.MarshalIndent(&props, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(cfg.ChannelDir, "drf_properties.json"), raw, 0664); err != nil {
		return nil, err
	}

	return &Writer{
		cfg:            cfg,
		samplesPerFile: int64(spfNum / spfDen),
		next:           cfg.StartIndex,
		fileStart:      cfg.StartIndex,
	}, nil
}

// UUID returns the collection identifier in use.
func (w *Writer) UUID() string { return w.cfg.UUID }

// Write appends samples starting at the given index. Out-of-order data is
// an error; a forward gap is zero-filled, or fatal when StopOnSkipped.
func (w *Writer) Write(index int64, data []complex64) error {
	if index < w.next {
		return fmt.Errorf("out-of-order samples: got index %d, already at %d", index, w.next)
	}
	if gap := index - w.next; gap > 0 {
		if w.cfg.StopOnSkipped {
			return fmt.Errorf("dropped %d samples before index %d", gap, index)
		}
		for i := int64(0); i < gap; i++ {
			w.buf = append(w.buf, 0)
		}
		w.next = index
	}
	w.buf = append(w.buf, data...)
	w.next += int64(len(data))

	for int64(len(w.buf)) >= w.samplesPerFile {
		if err := w.flushFile(w.buf[:w.samplesPerFile]); err != nil {
			return err
		}
		w.buf = w.buf[w.samplesPerFile:]
		w.fileStart += w.samplesPerFile
	}
	return nil
}

// flushFile writes one complete file slice beginning at w.fileStart.
func (w *Writer) flushFile(samples []complex64) error {
	sec := w.fileStart * int64(w.cfg.RateDen) / int64(w.cfg.RateNum)
	msec := (w.fileStart*int64(w.cfg.RateDen)*1000/int64(w.cfg.RateNum) - sec*1000)

	bucket := sec - sec%int64(w.cfg.SubdirCadenceSecs)
	subdir := time.Unix(bucket, 0).UTC().Format("2006-01-02T15-04-05")
	dir := filepath.Join(w.cfg.ChannelDir, subdir)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}

	name := fmt.Sprintf("rf@%d.%03d.npy", sec, msec)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if w.cfg.Shorts {
		err = npyio.Write(f, toShorts(samples))
	} else {
		err = npyio.Write(f, samples)
	}
	if err != nil {
		f.Close()
		return err
	}
	w.filesWritten++
	return f.Close()
}

// toShorts converts complex64 samples to interleaved full-scale int16
// real/imaginary pairs.
func toShorts(samples []complex64) []int16 {
	out := make([]int16, 0, 2*len(samples))
	for _, s := range samples {
		out = append(out, int16(real(s)*32767), int16(imag(s)*32767))
	}
	return out
}

// Close flushes any partial trailing slice. The final file may hold fewer
// than samplesPerFile samples.
func (w *Writer) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.flushFile(w.buf)
	w.buf = nil
	return err
}
