package worker

import (
	"sync"
	"time"
)

// Trigger calls fire periodically until the returned stop function is called.
type Trigger interface {
	Start(delay time.Duration, fire func()) (stop func())
}

// FixedDelay fires once right away, then delay after each call to fire
// returned. Slow passes never pile up.
type FixedDelay struct{}

func (FixedDelay) Start(delay time.Duration, fire func()) func() {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		t := time.NewTimer(0)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				fire()
				t.Reset(delay)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}
