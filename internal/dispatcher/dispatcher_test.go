package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/marketrelay/internal/bridge"
	"github.com/neboloop/marketrelay/internal/connection"
	"github.com/neboloop/marketrelay/internal/db"
	"github.com/neboloop/marketrelay/internal/envelope"
)

// fakeCaps answers every capability with the matching func, or success.
type fakeCaps struct {
	mu      sync.Mutex
	queries []bridge.CollectionQuery
	batches []bridge.BatchRequest

	session    func(ctx context.Context) *bridge.Result
	deleteHook func(l bridge.Listing) *bridge.Result
}

func okResult(data string) *bridge.Result {
	return &bridge.Result{Success: true, Data: json.RawMessage(data)}
}

func (f *fakeCaps) GetSession(ctx context.Context) *bridge.Result {
	if f.session != nil {
		return f.session(ctx)
	}
	return okResult(`{"user":"seller42"}`)
}

func (f *fakeCaps) FetchCollection(_ context.Context, q bridge.CollectionQuery) *bridge.Result {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return okResult(`{"items":[]}`)
}

func (f *fakeCaps) APICall(_ context.Context, req bridge.APIRequest) *bridge.Result {
	data, _ := json.Marshal(map[string]string{"method": req.Method, "endpoint": req.Endpoint})
	return okResult(string(data))
}

func (f *fakeCaps) PublishListing(context.Context, bridge.Listing) *bridge.Result {
	return &bridge.Result{Success: false, Error: "no active marketplace tab", ErrorCode: bridge.KindNoActiveTab}
}

func (f *fakeCaps) UpdateListing(context.Context, bridge.Listing) *bridge.Result { return okResult(`{}`) }

func (f *fakeCaps) DeleteListing(_ context.Context, l bridge.Listing) *bridge.Result {
	if f.deleteHook != nil {
		return f.deleteHook(l)
	}
	return okResult(`{}`)
}

func (f *fakeCaps) Batch(_ context.Context, req bridge.BatchRequest) *bridge.Result {
	f.mu.Lock()
	f.batches = append(f.batches, req)
	f.mu.Unlock()
	return okResult(fmt.Sprintf(`{"count":%d}`, len(req.Operations)))
}

func (f *fakeCaps) Check(context.Context) *bridge.Result {
	return &bridge.Result{Success: false, Error: "extension not installed", ErrorCode: bridge.KindNotInstalled}
}

type fakeSender struct {
	out chan envelope.Response
	err error
}

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(chan envelope.Response, 128)}
}

func (s *fakeSender) Send(resp envelope.Response) error {
	if s.err != nil {
		return s.err
	}
	s.out <- resp
	return nil
}

func (s *fakeSender) next(t *testing.T) envelope.Response {
	t.Helper()
	select {
	case r := <-s.out:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
		return envelope.Response{}
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []db.CommandRecord
}

func (m *memRecorder) RecordCommand(_ context.Context, r db.CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func newTestDispatcher(t *testing.T, caps Capabilities, opts ...Option) (*Dispatcher, *fakeSender) {
	t.Helper()
	s := newFakeSender()
	d := New(caps, s, opts...)
	t.Cleanup(func() { d.Close(context.Background()) })
	return d, s
}

func command(id, action, payload string) envelope.Command {
	c := envelope.Command{RequestID: id, Action: action}
	if payload != "" {
		c.Payload = json.RawMessage(payload)
	}
	return c
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions() {
		assert.Equal(t, a, ParseAction(a.String()))
	}
	assert.Len(t, Actions(), 9)
	assert.Equal(t, ActionUnknown, ParseAction("unknown"))
	assert.Equal(t, ActionUnknown, ParseAction("FetchWardrobe"))
	assert.Equal(t, ActionUnknown, ParseAction(""))
	assert.Equal(t, "unknown", Action(99).String())
}

func TestFetchWardrobe(t *testing.T) {
	caps := &fakeCaps{}
	d, s := newTestDispatcher(t, caps)

	d.Handle(command("r1", "fetchWardrobe", `{"userId":"u1","page":1}`))
	resp := s.next(t)

	assert.Equal(t, "r1", resp.RequestID)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"items":[]}`, string(resp.Data))

	caps.mu.Lock()
	defer caps.mu.Unlock()
	require.Len(t, caps.queries, 1)
	assert.Equal(t, bridge.CollectionQuery{Collection: "wardrobe", UserID: "u1", Page: 1}, caps.queries[0])
}

func TestFetchUsersUsesUsersCollection(t *testing.T) {
	caps := &fakeCaps{}
	d, s := newTestDispatcher(t, caps)

	d.Handle(command("r1", "fetchUsers", `{"page":2,"perPage":20,"marketplace":"vinted"}`))
	require.True(t, s.next(t).Success)

	caps.mu.Lock()
	defer caps.mu.Unlock()
	assert.Equal(t, "users", caps.queries[0].Collection)
	assert.Equal(t, 20, caps.queries[0].PerPage)
}

func TestUnknownAction(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeCaps{})

	d.Handle(command("r1", "launchRocket", ""))
	resp := s.next(t)
	assert.Equal(t, "r1", resp.RequestID)
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown action: launchRocket", resp.Error)
	assert.Equal(t, CodeUnknownAction, resp.ErrorCode)
}

func TestHandlerPanicIsContained(t *testing.T) {
	caps := &fakeCaps{deleteHook: func(bridge.Listing) *bridge.Result {
		panic(errors.New("network down"))
	}}
	d, s := newTestDispatcher(t, caps)

	d.Handle(command("r1", "deleteListing", `{"listingId":"L1"}`))
	resp := s.next(t)
	assert.Equal(t, envelope.Response{RequestID: "r1", Success: false, Error: "network down", ErrorCode: CodeFailed}, resp)

	// Later commands are still served
	d.Handle(command("r2", "getSession", ""))
	resp = s.next(t)
	assert.Equal(t, "r2", resp.RequestID)
	assert.True(t, resp.Success)
}

func TestBridgeFailureKeepsKind(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeCaps{})

	d.Handle(command("r1", "publishListing", `{"data":{"title":"Jacket"}}`))
	resp := s.next(t)
	assert.False(t, resp.Success)
	assert.Equal(t, string(bridge.KindNoActiveTab), resp.ErrorCode)
	assert.Equal(t, "no active marketplace tab", resp.Error)

	d.Handle(command("r2", "checkExtension", ""))
	resp = s.next(t)
	assert.Equal(t, string(bridge.KindNotInstalled), resp.ErrorCode)
}

func TestInvalidPayload(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeCaps{})

	d.Handle(command("r1", "apiCall", `{"method":`))
	resp := s.next(t)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInvalidPayload, resp.ErrorCode)

	d.Handle(command("r2", "fetchWardrobe", `{"page":-1}`))
	assert.Equal(t, CodeInvalidPayload, s.next(t).ErrorCode)

	d.Handle(command("r3", "batch", `{"operations":[{"action":"explode"}]}`))
	resp = s.next(t)
	assert.Equal(t, CodeInvalidPayload, resp.ErrorCode)
	assert.Contains(t, resp.Error, `unknown action "explode"`)
}

func TestBatch(t *testing.T) {
	caps := &fakeCaps{}
	d, s := newTestDispatcher(t, caps)

	d.Handle(command("r1", "batch", `{"operations":[{"action":"publishListing","payload":{"data":{"title":"Jacket"}}},{"action":"deleteListing","payload":{"listingId":"l1"}},{"action":"fetchUsers","payload":{"userId":"u1","page":2}}],"delayMs":250}`))
	resp := s.next(t)
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"count":3}`, string(resp.Data))

	caps.mu.Lock()
	defer caps.mu.Unlock()
	require.Len(t, caps.batches, 1)
	req := caps.batches[0]
	assert.Equal(t, 250, req.DelayMs)
	require.Len(t, req.Operations, 3)
	assert.Equal(t, bridge.ActionPublishListing, req.Operations[0].Action)
	assert.JSONEq(t, `{"data":{"title":"Jacket"}}`, string(req.Operations[0].Payload))
	assert.Equal(t, bridge.ActionDeleteListing, req.Operations[1].Action)
	assert.Equal(t, bridge.ActionFetchCollection, req.Operations[2].Action)
	assert.JSONEq(t, `{"collection":"users","userId":"u1","page":2}`, string(req.Operations[2].Payload))
}

func TestBatchRejectsOperations(t *testing.T) {
	caps := &fakeCaps{}
	d, s := newTestDispatcher(t, caps)

	cases := []struct {
		operations string
		want       string
	}{
		{`[{"action":"PUBLISH_LISTING"}]`, `operation 0: unknown action "PUBLISH_LISTING"`},
		{`[{"action":"getSession"},{"action":"batch"}]`, `operation 1: action "batch" cannot run inside a batch`},
		{`[{"action":"checkExtension"}]`, `operation 0: action "checkExtension" cannot run inside a batch`},
	}
	for i, tc := range cases {
		d.Handle(command(fmt.Sprintf("r%d", i), "batch", `{"operations":`+tc.operations+`}`))
		resp := s.next(t)
		assert.False(t, resp.Success, tc.operations)
		assert.Equal(t, CodeInvalidPayload, resp.ErrorCode, tc.operations)
		assert.Contains(t, resp.Error, tc.want, tc.operations)
	}

	caps.mu.Lock()
	defer caps.mu.Unlock()
	assert.Empty(t, caps.batches)
}

func TestEveryCommandAnsweredOnce(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeCaps{})

	const n = 50
	actions := []string{"getSession", "fetchWardrobe", "apiCall", "publishListing", "nope"}
	for i := 0; i < n; i++ {
		d.Handle(command(fmt.Sprintf("r%d", i), actions[i%len(actions)], `{"endpoint":"/x"}`))
	}

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		seen[s.next(t).RequestID]++
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
	select {
	case extra := <-s.out:
		t.Fatalf("unexpected extra response %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowHandlerDoesNotBlockRouting(t *testing.T) {
	release := make(chan struct{})
	caps := &fakeCaps{session: func(ctx context.Context) *bridge.Result {
		<-release
		return okResult(`{}`)
	}}
	d, s := newTestDispatcher(t, caps)

	d.Handle(command("slow", "getSession", ""))
	d.Handle(command("fast", "updateListing", `{"listingId":"L1"}`))

	assert.Equal(t, "fast", s.next(t).RequestID)
	close(release)
	assert.Equal(t, "slow", s.next(t).RequestID)
}

func TestAuditRecording(t *testing.T) {
	rec := &memRecorder{}
	d, s := newTestDispatcher(t, &fakeCaps{}, WithRecorder(rec))

	d.Handle(command("r1", "getSession", ""))
	d.Handle(command("r2", "bogus", ""))
	s.next(t)
	s.next(t)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.recs) == 2
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	byID := map[string]db.CommandRecord{}
	for _, r := range rec.recs {
		byID[r.RequestID] = r
	}
	assert.True(t, byID["r1"].Success)
	assert.Equal(t, "getSession", byID["r1"].Action)
	assert.False(t, byID["r2"].Success)
	assert.Equal(t, CodeUnknownAction, byID["r2"].ErrorCode)
}

func TestSendWithoutConnectionIsDropped(t *testing.T) {
	s := newFakeSender()
	s.err = connection.ErrNotConnected
	rec := &memRecorder{}
	d := New(&fakeCaps{}, s, WithRecorder(rec))

	d.Handle(command("r1", "getSession", ""))
	d.Close(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.recs, 1, "outcome is still recorded")
}

func TestCloseCancelsInFlight(t *testing.T) {
	caps := &fakeCaps{session: func(ctx context.Context) *bridge.Result {
		<-ctx.Done()
		return &bridge.Result{Success: false, Error: ctx.Err().Error(), ErrorCode: bridge.KindFailed}
	}}
	s := newFakeSender()
	d := New(caps, s)

	d.Handle(command("r1", "getSession", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Close(ctx)

	resp := s.next(t)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, context.Canceled.Error(), resp.Error)

	// Closed: new commands are ignored
	d.Handle(command("r2", "getSession", ""))
	select {
	case r := <-s.out:
		t.Fatalf("unexpected response %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
