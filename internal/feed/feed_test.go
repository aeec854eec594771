// Copyright 2026 The ionsync Authors
// This file is part of the ionsync library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendDeliversToAllSubscribers(t *testing.T) {
	var f Feed[string]
	chA := make(chan string, 1)
	chB := make(chan string, 1)
	subA := f.Subscribe(chA)
	subB := f.Subscribe(chB)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	n := f.Send("hello")
	require.Equal(t, 2, n)
	require.Equal(t, "hello", <-chA)
	require.Equal(t, "hello", <-chB)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var f Feed[int]
	ch := make(chan int, 1)
	sub := f.Subscribe(ch)
	sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		f.Send(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on an unsubscribed subscriber")
	}
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a value")
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	var f Feed[int]
	sub := f.Subscribe(make(chan int))
	sub.Unsubscribe()
	require.NotPanics(t, sub.Unsubscribe)
}
