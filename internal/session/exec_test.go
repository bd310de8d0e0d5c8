package session

import (
	"sync"
	"testing"
)

func TestRoomExecSerializesSameKey(t *testing.T) {
	e := newRoomExec()

	const workers = 16
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			e.Do("room_a_b", func() {
				counter++
			})
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
}

func TestRoomExecReleasesIdleLocks(t *testing.T) {
	e := newRoomExec()
	e.Do("room_a_b", func() {})
	e.Do("room_c_d", func() {})

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.locks) != 0 {
		t.Errorf("lock table still holds %d entries after all work drained", len(e.locks))
	}
}

func TestRoomExecIndependentKeysDoNotBlock(t *testing.T) {
	e := newRoomExec()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		e.Do("room_a_b", func() {
			close(started)
			<-release
		})
		close(done)
	}()
	<-started

	ran := false
	e.Do("room_c_d", func() { ran = true })
	if !ran {
		t.Fatal("independent key did not run while another key was held")
	}
	close(release)
	<-done
}
