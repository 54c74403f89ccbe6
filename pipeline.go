package syncrec

import (
	"fmt"
	"log"
	"sync"

	"github.com/openrf/syncrec/internal/firdes"
	"github.com/openrf/syncrec/internal/unboundedchan"
)

// Filter transforms raw-rate sample blocks into output-rate blocks. It may
// retain history across calls. A nil Filter in a flowgraph chain passes
// blocks through untouched.
type Filter interface {
	Process(SampleBlock) SampleBlock
}

// Sink persists one channel's contiguous output stream.
type Sink interface {
	Write(block SampleBlock) error
	Close() error
}

// Flowgraph connects each device channel through an optional filter to its
// sink. The device's reader goroutines must never block on a slow sink, so
// an unbounded queue sits between source and processing for each channel.
type Flowgraph struct {
	dev     Device
	filters []Filter
	sinks   []Sink

	runDone  sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	runErr error
}

// NewFlowgraph pairs filters and sinks by channel; filters may contain nils.
func NewFlowgraph(dev Device, filters []Filter, sinks []Sink) (*Flowgraph, error) {
	if len(filters) != len(sinks) {
		return nil, fmt.Errorf("flowgraph needs one filter slot per sink: %d != %d", len(filters), len(sinks))
	}
	if len(sinks) != dev.NumChannels() {
		return nil, fmt.Errorf("flowgraph has %d sinks for %d device channels", len(sinks), dev.NumChannels())
	}
	return &Flowgraph{
		dev:     dev,
		filters: filters,
		sinks:   sinks,
		done:    make(chan struct{}),
	}, nil
}

// Start begins streaming at the scheduled launch instant and spawns one
// processing chain per channel. Start is asynchronous; the device begins
// producing samples at the launch time on its own clock.
func (fg *Flowgraph) Start(launch TimeSpec) error {
	blockChans, err := fg.dev.StartStream(launch)
	if err != nil {
		return err
	}
	if len(blockChans) != len(fg.sinks) {
		return fmt.Errorf("device streams %d channels, flowgraph has %d", len(blockChans), len(fg.sinks))
	}

	for ch, blocks := range blockChans {
		queue := unboundedchan.New[SampleBlock]()
		fg.runDone.Add(2)

		go func(blocks <-chan SampleBlock, in chan<- SampleBlock) {
			defer fg.runDone.Done()
			defer close(in)
			for block := range blocks {
				in <- block
			}
		}(blocks, queue.In())

		go func(ch int, out <-chan SampleBlock) {
			defer fg.runDone.Done()
			filter := fg.filters[ch]
			sink := fg.sinks[ch]
			for block := range out {
				if filter != nil {
					block = filter.Process(block)
					if len(block.Data) == 0 {
						continue
					}
				}
				if err := sink.Write(block); err != nil {
					fg.fail(fmt.Errorf("channel %d sink: %w", ch, err))
					// Keep draining so the queue goroutine can finish.
					for range out {
					}
					return
				}
			}
		}(ch, queue.Out())
	}

	go func() {
		fg.runDone.Wait()
		close(fg.done)
	}()
	return nil
}

func (fg *Flowgraph) fail(err error) {
	fg.mu.Lock()
	if fg.runErr == nil {
		fg.runErr = err
		log.Printf("flowgraph error, stopping stream: %s", err)
	}
	fg.mu.Unlock()
	fg.Stop()
}

// Done is closed when every channel chain has drained.
func (fg *Flowgraph) Done() <-chan struct{} { return fg.done }

// Stop halts device streaming. Idempotent; data already queued still
// reaches the sinks.
func (fg *Flowgraph) Stop() {
	fg.stopOnce.Do(func() {
		if err := fg.dev.StopStream(); err != nil {
			log.Printf("stopping device stream: %s", err)
		}
	})
}

// Wait blocks until all chains drain, closes the sinks, and reports the
// first error seen, if any.
func (fg *Flowgraph) Wait() error {
	fg.runDone.Wait()
	for ch, sink := range fg.sinks {
		if err := sink.Close(); err != nil {
			fg.mu.Lock()
			if fg.runErr == nil {
				fg.runErr = fmt.Errorf("closing channel %d sink: %w", ch, err)
			}
			fg.mu.Unlock()
		}
	}
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.runErr
}

// decimFilter adapts a firdes.Decimator to the Filter interface, tracking
// the output-rate sample index. The launch index is divisible by the
// decimation factor, so the first output index is exact.
type decimFilter struct {
	dec      int
	proc     *firdes.Decimator
	started  bool
	outIndex int64
}

func newDecimFilter(proc *firdes.Decimator, dec int) *decimFilter {
	return &decimFilter{dec: dec, proc: proc}
}

func (f *decimFilter) Process(block SampleBlock) SampleBlock {
	if !f.started {
		f.outIndex = block.Index / int64(f.dec)
		f.started = true
	}
	out := f.proc.Process(block.Data)
	res := SampleBlock{Chan: block.Chan, Index: f.outIndex, Data: out}
	f.outIndex += int64(len(out))
	return res
}
