/*
Package loggingtest implements a logging.Logger for tests, that allows
waiting for expected log entries.
*/
package loggingtest

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type logSubscription struct {
	exp      string
	n        int
	response chan<- struct{}
}

type countMessage struct {
	exp      string
	response chan<- int
}

type logWatch struct {
	entries []string
	reqs    []*logSubscription
}

// Logger collects the log entries and notifies the subscribers waiting
// for them.
type Logger struct {
	save   chan string
	notify chan<- logSubscription
	count  chan<- countMessage
	clear  chan struct{}
	mute   atomic.Bool
	quit   chan<- struct{}
}

var ErrWaitTimeout = errors.New("timeout")

func (lw *logWatch) save(e string) {
	lw.entries = append(lw.entries, e)
	for i := len(lw.reqs) - 1; i >= 0; i-- {
		req := lw.reqs[i]
		if strings.Contains(e, req.exp) {
			req.n--
			if req.n <= 0 {
				close(req.response)
				lw.reqs = append(lw.reqs[:i], lw.reqs[i+1:]...)
			}
		}
	}
}

func (lw *logWatch) notify(req logSubscription) {
	for i := len(lw.entries) - 1; i >= 0; i-- {
		if strings.Contains(lw.entries[i], req.exp) {
			req.n--
			if req.n == 0 {
				break
			}
		}
	}

	if req.n <= 0 {
		close(req.response)
	} else {
		lw.reqs = append(lw.reqs, &req)
	}
}

func (lw *logWatch) countEntries(exp string) int {
	n := 0
	for _, e := range lw.entries {
		if strings.Contains(e, exp) {
			n++
		}
	}

	return n
}

func (lw *logWatch) clear() {
	lw.entries = nil
	lw.reqs = nil
}

// New creates a test logger. It needs to be closed.
func New() *Logger {
	lw := &logWatch{}
	save := make(chan string)
	notify := make(chan logSubscription)
	count := make(chan countMessage)
	clear := make(chan struct{})
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case e := <-save:
				lw.save(e)
			case req := <-notify:
				lw.notify(req)
			case req := <-count:
				req.response <- lw.countEntries(req.exp)
			case <-clear:
				lw.clear()
			case <-quit:
				return
			}
		}
	}()

	return &Logger{save: save, notify: notify, count: count, clear: clear, quit: quit}
}

func (tl *Logger) logf(f string, a ...any) {
	tl.log(fmt.Sprintf(f, a...))
}

func (tl *Logger) log(a ...any) {
	if tl.mute.Load() {
		return
	}

	e := fmt.Sprint(a...)
	log.Debug(e)
	tl.save <- e
}

// WaitForN waits until n entries containing exp were logged, or times
// out. Entries logged before the call are counted, too.
func (tl *Logger) WaitForN(exp string, n int, to time.Duration) error {
	found := make(chan struct{}, 1)
	tl.notify <- logSubscription{exp, n, found}

	select {
	case <-found:
		return nil
	case <-time.After(to):
		return ErrWaitTimeout
	}
}

// WaitFor waits until an entry containing exp was logged.
func (tl *Logger) WaitFor(exp string, to time.Duration) error {
	return tl.WaitForN(exp, 1, to)
}

// Count returns the number of entries containing exp.
func (tl *Logger) Count(exp string) int {
	rsp := make(chan int)
	tl.count <- countMessage{exp, rsp}
	return <-rsp
}

// Reset drops the collected entries and the waiting subscriptions.
func (tl *Logger) Reset() {
	tl.clear <- struct{}{}
}

// Mute stops collecting entries until Unmute is called.
func (tl *Logger) Mute()   { tl.mute.Store(true) }
func (tl *Logger) Unmute() { tl.mute.Store(false) }

func (tl *Logger) Close() {
	close(tl.quit)
}

func (tl *Logger) Error(a ...any)            { tl.log(a...) }
func (tl *Logger) Errorf(f string, a ...any) { tl.logf(f, a...) }
func (tl *Logger) Warn(a ...any)             { tl.log(a...) }
func (tl *Logger) Warnf(f string, a ...any)  { tl.logf(f, a...) }
func (tl *Logger) Info(a ...any)             { tl.log(a...) }
func (tl *Logger) Infof(f string, a ...any)  { tl.logf(f, a...) }
func (tl *Logger) Debug(a ...any)            { tl.log(a...) }
func (tl *Logger) Debugf(f string, a ...any) { tl.logf(f, a...) }
