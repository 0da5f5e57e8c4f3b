package stream

import "time"

// ticker abstracts time.Ticker so the pinger and watchdog loops can be
// driven manually in tests.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

var _ ticker = (*timeTicker)(nil)

func (t *timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *timeTicker) Stop() {
	t.ticker.Stop()
}
