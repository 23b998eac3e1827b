package systems

import (
	"context"
	"log"
	"sync"
	"time"
)

// TickFunc is one system run per frame with the elapsed time in seconds.
type TickFunc func(dt float64, now time.Time)

// FrameLoop drives a fixed list of systems at a steady rate.
type FrameLoop struct {
	rate     int
	systems  []TickFunc
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewFrameLoop(rate int, systems ...TickFunc) *FrameLoop {
	if rate <= 0 {
		rate = 60
	}
	return &FrameLoop{
		rate:     rate,
		systems:  systems,
		stopChan: make(chan struct{}),
	}
}

// Run ticks until ctx is done or Stop is called.
func (l *FrameLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.rate))
	defer ticker.Stop()

	log.Printf("[loop] started at %d ticks/second", l.rate)

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Println("[loop] stopped")
			return ctx.Err()
		case <-l.stopChan:
			log.Println("[loop] stopped")
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			l.tick(dt, now)
		}
	}
}

func (l *FrameLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *FrameLoop) tick(dt float64, now time.Time) {
	for _, sys := range l.systems {
		sys(dt, now)
	}
}
