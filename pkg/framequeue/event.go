package framequeue

// event is a level-triggered notification that can be waited on with a timeout.
// Multiple signals before a wait collapse into a single one.
type event struct {
	ch chan struct{}
}

func newEvent() *event {
	return &event{
		ch: make(chan struct{}, 1),
	}
}

func (e *event) signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func (e *event) reset() {
	select {
	case <-e.ch:
	default:
	}
}
