package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"devbridge/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyContainingPkg("github.com/panjf2000/ants/v2"))
}

const waitFor = 2 * time.Second

type buildFailed struct{ msg string }

func (e *buildFailed) Error() string     { return e.msg }
func (e *buildFailed) ErrorName() string { return "BuildFailed" }

// harness wires a Client and a Host over an in-memory pipe.
type harness struct {
	client   *Client
	host     *Host
	clientEP *Endpoint
	hostEP   *Endpoint
	hostSide transport.Transport

	release chan struct{}
	subs    chan *RemoteCallback
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, b := transport.Pipe()
	h := &harness{
		clientEP: NewEndpoint(a),
		hostEP:   NewEndpoint(b),
		hostSide: b,
		release:  make(chan struct{}),
		subs:     make(chan *RemoteCallback, 16),
	}
	host, err := NewHost(h.hostEP, WithWorkers(64))
	require.NoError(t, err)
	h.host = host
	h.client = NewClient(h.clientEP)

	host.Register("calc", Methods{
		"add": {Run: func(ctx context.Context, in *Invocation) (any, error) {
			var a, b int
			if err := in.Arg(0, &a); err != nil {
				return nil, err
			}
			if err := in.Arg(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		}},
		"echoSlow": {Blocking: true, Run: func(ctx context.Context, in *Invocation) (any, error) {
			var n int
			if err := in.Arg(0, &n); err != nil {
				return nil, err
			}
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			return n, nil
		}},
		"wait": {Blocking: true, Run: func(ctx context.Context, in *Invocation) (any, error) {
			select {
			case <-h.release:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}},
		"fail": {Run: func(ctx context.Context, in *Invocation) (any, error) {
			return nil, &buildFailed{msg: "xcodebuild exited with 65"}
		}},
		"plainFail": {Run: func(ctx context.Context, in *Invocation) (any, error) {
			return nil, errors.New("plain failure")
		}},
		"panic": {Run: func(ctx context.Context, in *Invocation) (any, error) {
			panic("kaboom")
		}},
		"subscribe": {Run: func(ctx context.Context, in *Invocation) (any, error) {
			cb, err := in.Callback(0)
			if err != nil {
				return nil, err
			}
			h.subs <- cb
			return cb.ID(), nil
		}},
	})

	t.Cleanup(func() {
		_ = h.client.Close()
		_ = h.host.Close()
		_ = h.clientEP.Close()
		_ = h.hostEP.Close()
	})
	return h
}

func TestCall_ResolvesResult(t *testing.T) {
	h := newHarness(t)

	var sum int
	require.NoError(t, h.client.Object("calc").Call(context.Background(), "add", &sum, 2, 3))
	assert.Equal(t, 5, sum)
	assert.Equal(t, 0, h.client.Pending())
}

func TestCall_ErrorPreservesNameAndMessage(t *testing.T) {
	h := newHarness(t)
	calc := h.client.Object("calc")

	err := calc.Call(context.Background(), "fail", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "BuildFailed", re.Name)
	assert.Equal(t, "xcodebuild exited with 65", re.Message)

	err = calc.Call(context.Background(), "plainFail", nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrorNameGeneric, re.Name)
	assert.Equal(t, "plain failure", re.Message)
}

func TestCall_UnknownMethodAndPanic(t *testing.T) {
	h := newHarness(t)

	err := h.client.Object("calc").Call(context.Background(), "nope", nil)
	assert.True(t, IsRemote(err, ErrorNameNotFound), "got %v", err)

	err = h.client.Object("missing").Call(context.Background(), "add", nil)
	assert.True(t, IsRemote(err, ErrorNameNotFound), "got %v", err)

	err = h.client.Object("calc").Call(context.Background(), "panic", nil)
	assert.True(t, IsRemote(err, ErrorNamePanic), "got %v", err)

	// The host keeps serving after a panic.
	var sum int
	require.NoError(t, h.client.Object("calc").Call(context.Background(), "add", &sum, 1, 1))
	assert.Equal(t, 2, sum)
}

func TestCall_FailureDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t)
	calc := h.client.Object("calc")
	ctx := context.Background()

	ok := calc.Go(ctx, "add", 20, 22)
	bad := calc.Go(ctx, "fail")

	_, err := bad.Wait(ctx)
	require.Error(t, err)
	raw, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(raw))
}

func TestConcurrentCalls_NoCrossResolution(t *testing.T) {
	h := newHarness(t)
	calc := h.client.Object("calc")
	ctx := context.Background()

	const n = 200
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = calc.Go(ctx, "echoSlow", i)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool, n)
	for i, f := range futures {
		raw, err := f.Wait(ctx)
		require.NoError(t, err)
		var got int
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, i, got, "call %d resolved with another call's result", i)
		assert.False(t, ids[f.CallID()], "call id reused")
		ids[f.CallID()] = true
	}
	assert.Equal(t, 0, h.client.Pending())
}

// A raw peer answers calls in shuffled order, repeats and invents results.
func TestResults_ShuffledDuplicateAndStale(t *testing.T) {
	a, b := transport.Pipe()
	clientEP := NewEndpoint(a)
	peer := NewEndpoint(b)
	client := NewClient(clientEP)
	defer func() {
		_ = client.Close()
		_ = clientEP.Close()
		_ = peer.Close()
	}()

	calls := make(chan *Message, 64)
	peer.Listen(CommandCall, func(msg *Message) { calls <- msg })

	const n = 32
	ctx := context.Background()
	futures := make(map[string]*Future, n)
	want := make(map[string]int, n)
	for i := 0; i < n; i++ {
		f := client.Object("obj").Go(ctx, "m", i)
		futures[f.CallID()] = f
		want[f.CallID()] = i
	}

	received := make([]*Message, 0, n)
	for len(received) < n {
		select {
		case msg := <-calls:
			received = append(received, msg)
		case <-time.After(waitFor):
			t.Fatalf("only %d of %d calls arrived", len(received), n)
		}
	}

	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(received), func(i, j int) { received[i], received[j] = received[j], received[i] })

	require.NoError(t, peer.Send(ctx, &Message{Command: CommandResult, CallID: "stale:1", Result: json.RawMessage("999")}))
	for _, msg := range received {
		result := json.RawMessage(msg.Args[0])
		require.NoError(t, peer.Send(ctx, &Message{Command: CommandResult, CallID: msg.CallID, Result: result}))
		// A duplicate must not resettle or disturb anything.
		require.NoError(t, peer.Send(ctx, &Message{Command: CommandResult, CallID: msg.CallID, Result: json.RawMessage("-1")}))
	}

	for id, f := range futures {
		raw, err := f.Wait(ctx)
		require.NoError(t, err)
		var got int
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, want[id], got)
	}
	assert.Equal(t, 0, client.Pending())
}

func TestResultListener_AttachedOnlyWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, 0, h.clientEP.listenerCount(CommandResult))

	f := h.client.Object("calc").Go(ctx, "wait")
	assert.Equal(t, 1, h.clientEP.listenerCount(CommandResult))
	assert.Equal(t, 1, h.client.Pending())

	g := h.client.Object("calc").Go(ctx, "add", 1, 2)
	_, err := g.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.clientEP.listenerCount(CommandResult), "still one call outstanding")

	close(h.release)
	raw, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"released"`, string(raw))

	require.Eventually(t, func() bool {
		return h.clientEP.listenerCount(CommandResult) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestWait_ContextDoesNotAbandonCall(t *testing.T) {
	h := newHarness(t)

	f := h.client.Object("calc").Go(context.Background(), "wait")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.client.Pending())

	close(h.release)
	raw, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"released"`, string(raw))
}

func TestClientClose_RejectsPending(t *testing.T) {
	h := newHarness(t)

	f := h.client.Object("calc").Go(context.Background(), "wait")
	require.NoError(t, h.client.Close())

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 0, h.client.Pending())

	_, err = h.client.Object("calc").Go(context.Background(), "add", 1, 2).Wait(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	close(h.release)
}

func TestCallback_SameHandleSameID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calc := h.client.Object("calc")

	cb := NewCallback(func(Args) {})
	var id1, id2, id3 string
	require.NoError(t, calc.Call(ctx, "subscribe", &id1, cb))
	require.NoError(t, calc.Call(ctx, "subscribe", &id2, cb))
	require.NoError(t, calc.Call(ctx, "subscribe", &id3, NewCallback(func(Args) {})))

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Equal(t, 2, h.client.Registered())
	assert.Equal(t, 2, h.host.LiveCallbacks())
}

func TestCallback_InvokeThenCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	got := make(chan string, 4)
	cb := NewCallback(func(args Args) {
		var s string
		if err := args.Decode(0, &s); err == nil {
			got <- s
		}
	})

	require.NoError(t, h.client.Object("calc").Call(ctx, "subscribe", nil, cb))
	remote := <-h.subs

	require.NoError(t, remote.Invoke(ctx, "booted"))
	select {
	case s := <-got:
		assert.Equal(t, "booted", s)
	case <-time.After(waitFor):
		t.Fatal("callback not delivered")
	}

	remote.Release()
	require.Eventually(t, func() bool { return h.client.Registered() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, h.host.LiveCallbacks())
	assert.ErrorIs(t, remote.Invoke(ctx, "late"), ErrCallbackReleased)

	// A stray callback for the cleaned-up id is ignored by the client.
	require.NoError(t, h.hostEP.Send(ctx, &Message{
		Command:    CommandCallback,
		CallbackID: remote.ID(),
		Args:       []json.RawMessage{json.RawMessage(`"stray"`)},
	}))
	// Round-trip a call to make sure the stray message was processed.
	require.NoError(t, h.client.Object("calc").Call(ctx, "add", nil, 1, 1))
	select {
	case s := <-got:
		t.Fatalf("callback invoked after cleanup with %q", s)
	default:
	}
}

func TestCallback_ReferenceCounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cb := NewCallback(func(Args) {})
	calc := h.client.Object("calc")
	require.NoError(t, calc.Call(ctx, "subscribe", nil, cb))
	require.NoError(t, calc.Call(ctx, "subscribe", nil, cb))
	first, second := <-h.subs, <-h.subs
	assert.Same(t, first, second)

	first.Release()
	require.NoError(t, calc.Call(ctx, "add", nil, 1, 1))
	assert.Equal(t, 1, h.client.Registered(), "one reference is still held")
	assert.Equal(t, 1, h.host.LiveCallbacks())

	second.Release()
	second.Release()
	require.Eventually(t, func() bool { return h.client.Registered() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, h.host.LiveCallbacks())
}

func TestCallback_RepeatedSubscribeReleaseDoesNotLeak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		cb := NewCallback(func(Args) {})
		require.NoError(t, h.client.Object("calc").Call(ctx, "subscribe", nil, cb))
		(<-h.subs).Release()
	}
	require.Eventually(t, func() bool { return h.client.Registered() == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, h.host.LiveCallbacks())
	assert.Equal(t, 1, h.clientEP.listenerCount(CommandCallback), "callback listener installed once")
}

func TestInvocation_CallbackRejectsPlainArg(t *testing.T) {
	h := newHarness(t)
	err := h.client.Object("calc").Call(context.Background(), "subscribe", nil, "not-a-callback")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, ErrNotCallback.Error())
}

func TestClients_ShareEndpoint(t *testing.T) {
	h := newHarness(t)
	other := NewClient(h.clientEP)
	defer other.Close()
	require.NotEqual(t, h.client.Token(), other.Token())

	ctx := context.Background()
	f1 := h.client.Object("calc").Go(ctx, "add", 1, 1)
	f2 := other.Object("calc").Go(ctx, "add", 10, 10)

	r1, err := f1.Wait(ctx)
	require.NoError(t, err)
	r2, err := f2.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(r1))
	assert.JSONEq(t, "20", string(r2))
}

func TestEndpoint_MalformedFrameIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.hostSide.Send(context.Background(), []byte("{not json")))

	var sum int
	require.NoError(t, h.client.Object("calc").Call(context.Background(), "add", &sum, 4, 4))
	assert.Equal(t, 8, sum)
}

func TestCall_EncodeErrorRejectsLocally(t *testing.T) {
	h := newHarness(t)
	f := h.client.Object("calc").Go(context.Background(), "add", make(chan int))
	_, err := f.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, "", f.CallID())
	assert.Equal(t, 0, h.client.Pending())
}

func TestRemoteError_Format(t *testing.T) {
	assert.Equal(t, "BuildFailed: boom", (&RemoteError{Name: "BuildFailed", Message: "boom"}).Error())
	assert.Equal(t, "boom", (&RemoteError{Message: "boom"}).Error())
	assert.Equal(t, "BuildFailed", ErrorName(fmt.Errorf("wrapped: %w", &buildFailed{msg: "x"})))
	assert.Equal(t, ErrorNameGeneric, ErrorName(errors.New("x")))
}

type deviceOffline struct{ id string }

func (e *deviceOffline) Error() string { return e.id + " offline" }

type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit %d", int(e)) }

func TestErrorName_FallsBackToTypeName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"pointer type", &deviceOffline{id: "emu"}, "deviceOffline"},
		{"wrapped pointer type", fmt.Errorf("boot: %w", &deviceOffline{id: "emu"}), "deviceOffline"},
		{"value type", exitStatus(3), "exitStatus"},
		{"named wins over type", fmt.Errorf("x: %w", &buildFailed{msg: "y"}), "BuildFailed"},
		{"plain errors.New", errors.New("x"), ErrorNameGeneric},
		{"plain fmt.Errorf", fmt.Errorf("x %d", 1), ErrorNameGeneric},
		{"wrapped sentinel", fmt.Errorf("call: %w", ErrClientClosed), ErrorNameGeneric},
		{"nil", nil, ErrorNameGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorName(tt.err))
		})
	}
}
