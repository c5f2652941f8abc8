package videorecv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/dronecam/videorecv/pkg/device"
	"github.com/dronecam/videorecv/pkg/framequeue"
	"github.com/dronecam/videorecv/pkg/liberrors"
	"github.com/dronecam/videorecv/pkg/paramset"
)

// decodePipeline moves units from the frame queue to the decode device.
type decodePipeline struct {
	queue                       *framequeue.Queue[*Unit]
	tracker                     *paramset.Tracker
	deviceFactory               device.Factory
	sink                        device.Sink
	stats                       *stats
	timeNow                     func() time.Time
	idrTimeout                  time.Duration
	dequeueTimeout              time.Duration
	parameterSetsWarningTimeout time.Duration
	lastKeyframe                *int64
	onStateChange               func(PipelineState)
	onDecodeError               func(error)
	onWarning                   func(error)

	state           int32
	mutex           sync.Mutex // protects dev and configured
	dev             device.Device
	configured      bool
	waitingKeyframe bool
	keyframeWarned  bool
	stopOnce        sync.Once
}

func (p *decodePipeline) initialize() {
	p.state = int32(PipelineStateUninitialized)
}

func (p *decodePipeline) State() PipelineState {
	return PipelineState(atomic.LoadInt32(&p.state))
}

func (p *decodePipeline) setState(s PipelineState) {
	if PipelineState(atomic.SwapInt32(&p.state, int32(s))) != s {
		p.onStateChange(s)
	}
}

// run executes the pipeline until ctx is canceled or a fatal error occurs.
func (p *decodePipeline) run(ctx context.Context) error {
	defer p.stop()

	p.setState(PipelineStateAwaitingParameterSets)

	if !p.awaitParameterSets(ctx) {
		return nil
	}

	p.setState(PipelineStateConfiguring)

	err := p.configure()
	if err != nil {
		return err
	}

	p.setState(PipelineStateDecoding)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err = p.applyReconfigure()
		if err != nil {
			return err
		}

		p.checkKeyframe()

		u, ok := p.queue.Pull(p.dequeueTimeout)
		if !ok {
			continue
		}

		// parameter sets may have changed while waiting,
		// and u may depend on the new ones.
		err = p.applyReconfigure()
		if err != nil {
			return err
		}

		p.process(u)
	}
}

func (p *decodePipeline) applyReconfigure() error {
	if !p.tracker.TakeReconfigure() {
		return nil
	}

	p.setState(PipelineStateReconfiguring)

	err := p.reconfigure()
	if err != nil {
		return err
	}

	p.setState(PipelineStateDecoding)
	return nil
}

func (p *decodePipeline) awaitParameterSets(ctx context.Context) bool {
	start := p.timeNow()

	warningTimer := time.NewTimer(p.parameterSetsWarningTimeout)
	defer warningTimer.Stop()

	for {
		select {
		case <-p.tracker.Ready():
			return true

		case <-warningTimer.C:
			p.onWarning(liberrors.ErrParameterSetsTimeout{Elapsed: p.timeNow().Sub(start)})

		case <-ctx.Done():
			return false
		}
	}
}

func (p *decodePipeline) configure() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// the session must be active before the snapshot is taken,
	// otherwise a change in between would go unnoticed.
	p.tracker.SetSessionActive(true)

	snap, ok := p.tracker.Snapshot()
	if !ok {
		p.tracker.SetSessionActive(false)
		return liberrors.ErrDeviceConfigure{Err: errors.New("parameter sets are not available")}
	}

	dev, err := p.deviceFactory(device.Config{
		Width:  snap.Width,
		Height: snap.Height,
		SPS:    snap.SPS,
		PPS:    snap.PPS,
		Sink:   p.sink,
	})
	if err != nil {
		p.tracker.SetSessionActive(false)
		return liberrors.ErrDeviceConfigure{Err: err}
	}

	p.dev = dev
	p.configured = true
	p.waitingKeyframe = false
	p.keyframeWarned = false
	atomic.StoreInt64(p.lastKeyframe, p.timeNow().UnixNano())

	return nil
}

func (p *decodePipeline) reconfigure() error {
	p.releaseDevice()
	atomic.AddUint64(&p.stats.reconfigurations, 1)
	return p.configure()
}

func (p *decodePipeline) releaseDevice() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.configured {
		p.dev.Release()
		p.dev = nil
		p.configured = false
	}
}

// checkKeyframe flushes the queue when no IDR has been received for too long.
// Decoding continues and resumes from the next IDR.
func (p *decodePipeline) checkKeyframe() {
	last := atomic.LoadInt64(p.lastKeyframe)
	elapsed := p.timeNow().Sub(time.Unix(0, last))
	if elapsed <= p.idrTimeout {
		p.keyframeWarned = false
		return
	}

	n := p.queue.Clear()
	atomic.AddUint64(&p.stats.unitsDropped, uint64(n))

	// an IDR that arrived during the flush is not waited for again.
	if atomic.LoadInt64(p.lastKeyframe) == last {
		p.waitingKeyframe = true
	}

	if !p.keyframeWarned {
		p.keyframeWarned = true
		p.onWarning(liberrors.ErrKeyframeTimeout{Elapsed: elapsed, Flushed: n})
	}
}

func (p *decodePipeline) process(u *Unit) {
	if p.waitingKeyframe {
		if u.Type != h264.NALUTypeIDR {
			atomic.AddUint64(&p.stats.unitsDropped, 1)
			return
		}
		p.waitingKeyframe = false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.configured {
		atomic.AddUint64(&p.stats.unitsDropped, 1)
		return
	}

	err := p.dev.Submit(u.NALU, u.PTS)
	if err != nil {
		atomic.AddUint64(&p.stats.submitFailures, 1)
		p.onDecodeError(liberrors.ErrSubmit{Type: u.Type, Err: err})
	}

	for {
		f, ok := p.dev.PollOutput()
		if !ok {
			break
		}

		atomic.AddUint64(&p.stats.framesDecoded, 1)

		err = p.sink.WriteFrame(f)
		if err != nil {
			p.onDecodeError(err)
		}
	}
}

// stop releases the device and empties the queue. It is idempotent.
func (p *decodePipeline) stop() {
	p.stopOnce.Do(func() {
		p.releaseDevice()
		atomic.AddUint64(&p.stats.unitsDropped, uint64(p.queue.Clear()))
		p.tracker.SetSessionActive(false)
		p.setState(PipelineStateStopped)
	})
}
