package clock

import (
	"testing"
	"time"

	"github.com/lainio/err2/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncOrder(t *testing.T) {
	c := Fake(epoch)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "early") })
	stopped := c.AfterFunc(2*time.Second, func() { fired = append(fired, "stopped") })

	assert.That(stopped.Stop())
	assert.Equal(c.PendingTimers(), 2)

	c.Advance(5 * time.Second)
	assert.DeepEqual(fired, []string{"early", "late"})
	assert.Equal(c.PendingTimers(), 0)
	assert.Equal(c.Now(), epoch.Add(5*time.Second))
	assert.That(!stopped.Stop())
}

func TestFakeCallbackSeesDeadline(t *testing.T) {
	c := Fake(epoch)

	var at time.Time
	c.AfterFunc(1500*time.Millisecond, func() { at = c.Now() })
	c.Advance(10 * time.Second)
	assert.Equal(at, epoch.Add(1500*time.Millisecond))
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(20 * time.Second)

	c.Advance(19 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticked early")
	default:
	}

	c.Advance(time.Second)
	<-ticker.C

	ticker.Stop()
	c.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("ticked after stop")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)

	done := make(chan time.Time)
	go func() {
		done <- <-c.After(800 * time.Millisecond)
	}()

	c.WaitForTimers(1)
	c.Advance(800 * time.Millisecond)
	assert.Equal(<-done, epoch.Add(800*time.Millisecond))
}
