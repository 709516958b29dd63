package promise

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siridb/siridb-cluster/internal/packet"
)

// fakeSender is a minimal promise.Sender double.
type fakeSender struct {
	mu        sync.Mutex
	available bool
	online    bool
	writeErr  error
	written   []*packet.Packet
}

func (f *fakeSender) Write(pkt *packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, pkt)
	return nil
}

func (f *fakeSender) Online() bool    { return f.online }
func (f *fakeSender) Available() bool { return f.available }

func TestIssueCompletesOnReply(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: true, online: true}

	done := make(chan struct{})
	var gotOutcome Outcome
	var gotPkt *packet.Packet

	err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), time.Second, func(pkt *packet.Packet, outcome Outcome) {
		gotPkt, gotOutcome = pkt, outcome
		close(done)
	}, 0)
	require.NoError(t, err)
	require.Len(t, sender.written, 1)

	reply := packet.New(sender.written[0].Pid, packet.TypeQueryResult, []byte("ok"))
	table.Complete(reply.Pid, reply)

	<-done
	assert.Equal(t, Reply, gotOutcome)
	assert.Equal(t, reply, gotPkt)
	assert.Equal(t, 0, table.Len())
}

func TestIssueTimesOutWithoutReply(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: true}

	done := make(chan Outcome, 1)
	err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), 10*time.Millisecond, func(pkt *packet.Packet, outcome Outcome) {
		done <- outcome
	}, 0)
	require.NoError(t, err)

	select {
	case outcome := <-done:
		assert.Equal(t, Timeout, outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for promise timeout callback")
	}
}

func TestIssueRejectsUnavailableSender(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: false, online: false}

	err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), time.Second, func(*packet.Packet, Outcome) {}, 0)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestOnlyCheckOnlineRelaxesAdmission(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: false, online: true}

	err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), time.Second, func(*packet.Packet, Outcome) {}, OnlyCheckOnline)
	assert.NoError(t, err)
}

func TestWriteErrorCompletesImmediately(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: true, writeErr: errors.New("broken pipe")}

	done := make(chan Outcome, 1)
	err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), time.Second, func(_ *packet.Packet, outcome Outcome) {
		done <- outcome
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, WriteError, <-done)
}

// TestReplyAndTimeoutRace exercises the at-most-once guarantee: firing both
// a reply and forcing the timer to race against it must only ever invoke
// the callback once.
func TestReplyAndTimeoutRace(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: true}

	var calls int32
	var mu sync.Mutex
	err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), time.Millisecond, func(*packet.Packet, Outcome) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, 0)
	require.NoError(t, err)

	pid := sender.written[0].Pid
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); table.Complete(pid, packet.New(pid, packet.TypeQueryResult, nil)) }()
	go func() { defer wg.Done(); time.Sleep(5 * time.Millisecond) }() // let the timer fire too
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls)
}

func TestCancelAll(t *testing.T) {
	table := NewTable()
	sender := &fakeSender{available: true}

	outcomes := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		err := table.Issue(sender, packet.New(0, packet.TypeQuery, nil), time.Second, func(_ *packet.Packet, outcome Outcome) {
			outcomes <- outcome
		}, 0)
		require.NoError(t, err)
	}

	table.CancelAll(ServerGone)
	assert.Equal(t, ServerGone, <-outcomes)
	assert.Equal(t, ServerGone, <-outcomes)
	assert.Equal(t, 0, table.Len())
}
