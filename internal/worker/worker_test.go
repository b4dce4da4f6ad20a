package worker

import (
	"testing"
	"time"
)

func TestHaltStopsLoop(t *testing.T) {
	var w Worker
	stopped := make(chan struct{})

	w.Go(func() {
		defer w.Done()
		for {
			select {
			case <-w.HaltCh():
				close(stopped)
				return
			}
		}
	})

	w.Halt()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("loop did not observe Halt")
	}
	w.Wait()
}

func TestHaltIdempotent(t *testing.T) {
	var w Worker
	w.Halt()
	w.Halt()
	select {
	case <-w.HaltCh():
	default:
		t.Fatal("HaltCh should be closed after Halt")
	}
}

func TestWaitBlocksUntilDone(t *testing.T) {
	var w Worker
	release := make(chan struct{})
	w.Go(func() {
		defer w.Done()
		<-release
	})

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before goroutine finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after goroutine finished")
	}
}
