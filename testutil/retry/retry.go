// Package retry supports repeating assertions in tests until they hold or a
// budget runs out, for conditions that settle asynchronously: elections,
// replication, runner adoption.
package retry

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Failer is the subset of *testing.T the runner needs.
type Failer interface {
	Log(args ...interface{})
	FailNow()
}

// R collects failures of one attempt; a failed attempt is retried instead of
// failing the test.
type R struct {
	fail   bool
	output []string
}

func (r *R) FailNow() {
	r.fail = true
	runtime.Goexit()
}

func (r *R) Fatal(args ...interface{}) {
	r.log(fmt.Sprint(args...))
	r.FailNow()
}

func (r *R) Fatalf(format string, args ...interface{}) {
	r.log(fmt.Sprintf(format, args...))
	r.FailNow()
}

func (r *R) Check(err error) {
	if err != nil {
		r.log(err.Error())
		r.FailNow()
	}
}

func (r *R) log(s string) {
	r.output = append(r.output, decorate(s))
}

func decorate(s string) string {
	_, file, line, ok := runtime.Caller(3)
	if ok {
		if n := strings.LastIndex(file, "/"); n >= 0 {
			file = file[n+1:]
		}
	} else {
		file = "???"
		line = 1
	}
	return fmt.Sprintf("%s:%d: %s", file, line, s)
}

// Run retries f with the default budget until it passes.
func Run(t Failer, f func(r *R)) {
	run(DefaultRetryer(), t, f)
}

// RunWith retries f under a custom budget.
func RunWith(r Retryer, t Failer, f func(r *R)) {
	run(r, t, f)
}

func run(r Retryer, t Failer, f func(r *R)) {
	rr := &R{}
	fail := func() {
		for _, out := range rr.output {
			t.Log(out)
		}
		t.FailNow()
	}
	for r.NextOr(fail) {
		// f may call runtime.Goexit via FailNow; isolate it in a goroutine
		// so the retry loop survives
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(rr)
		}()
		wg.Wait()
		if rr.fail {
			rr.fail = false
			continue
		}
		break
	}
}

// Retryer decides whether another attempt is allowed.
type Retryer interface {
	// NextOr returns true if the caller should attempt again, calling fail
	// once the budget is exhausted
	NextOr(fail func()) bool
}

// DefaultRetryer suits conditions that settle within a few seconds.
func DefaultRetryer() *Timer {
	return &Timer{Timeout: 7 * time.Second, Wait: 25 * time.Millisecond}
}

// ThreeTimes suits assertions that should already hold.
func ThreeTimes() *Counter {
	return &Counter{Count: 3, Wait: 25 * time.Millisecond}
}

// Counter retries a fixed number of attempts.
type Counter struct {
	Count int
	Wait  time.Duration

	count int
}

func (r *Counter) NextOr(fail func()) bool {
	if r.count == r.Count {
		fail()
		return false
	}
	if r.count > 0 {
		time.Sleep(r.Wait)
	}
	r.count++
	return true
}

// Timer retries until a deadline.
type Timer struct {
	Timeout time.Duration
	Wait    time.Duration

	stop time.Time
}

func (r *Timer) NextOr(fail func()) bool {
	if r.stop.IsZero() {
		r.stop = time.Now().Add(r.Timeout)
		return true
	}
	if time.Now().After(r.stop) {
		fail()
		return false
	}
	time.Sleep(r.Wait)
	return true
}
