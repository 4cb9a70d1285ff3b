package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"toastboard/internal/broker"
	"toastboard/internal/eventbus"
	"toastboard/internal/sanitize"
	"toastboard/internal/store"
	"toastboard/internal/toast"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: epoch} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore is a memory store whose writes and queries can be made to fail.
type flakyStore struct {
	*store.Memory

	mu         sync.Mutex
	failPut    bool
	failRecent bool
	puts       int
	recents    int
}

func newFlakyStore() *flakyStore { return &flakyStore{Memory: store.NewMemory("")} }

func (f *flakyStore) setFailPut(v bool) {
	f.mu.Lock()
	f.failPut = v
	f.mu.Unlock()
}

func (f *flakyStore) Put(ctx context.Context, r store.Record) (int64, error) {
	f.mu.Lock()
	if f.failPut {
		f.mu.Unlock()
		return 0, fmt.Errorf("%w: datastore unavailable", store.ErrBadRequest)
	}
	f.puts++
	f.mu.Unlock()
	return f.Memory.Put(ctx, r)
}

func (f *flakyStore) Recent(ctx context.Context, limit int) ([]store.Record, error) {
	f.mu.Lock()
	f.recents++
	fail := f.failRecent
	f.mu.Unlock()
	if fail {
		return nil, errors.New("query timed out")
	}
	return f.Memory.Recent(ctx, limit)
}

func (f *flakyStore) counts() (puts, recents int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.recents
}

// countingBroker records publishes per channel.
type countingBroker struct {
	broker.Broker

	mu        sync.Mutex
	published map[string]int
	deleteErr error
}

func newCountingBroker(b broker.Broker) *countingBroker {
	return &countingBroker{Broker: b, published: map[string]int{}}
}

func (c *countingBroker) Publish(ctx context.Context, ch string, payload []byte) error {
	c.mu.Lock()
	c.published[ch]++
	c.mu.Unlock()
	return c.Broker.Publish(ctx, ch, payload)
}

func (c *countingBroker) DeleteChannel(ctx context.Context, name string) error {
	if c.deleteErr != nil {
		return c.deleteErr
	}
	return c.Broker.DeleteChannel(ctx, name)
}

func (c *countingBroker) count(ch string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[ch]
}

func (c *countingBroker) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.published {
		n += v
	}
	return n
}

func newTestBoard(t *testing.T, cfg Config, d Deps) *Board {
	t.Helper()
	if cfg.Instance == "" {
		cfg.Instance = "a"
	}
	if d.Store == nil {
		d.Store = newFlakyStore()
	}
	b, err := New(cfg, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func sameIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAddToastSpamExamples(t *testing.T) {
	t.Parallel()

	type post struct {
		after   time.Duration
		content string
		want    []int64
	}
	cases := []struct {
		name  string
		posts []post
	}{
		{
			name: "duplicate within five seconds",
			posts: []post{
				{0, "hello", []int64{42}},
				{5 * time.Second, "hello", nil},
			},
		},
		{
			name: "third distinct post within ten seconds",
			posts: []post{
				{0, "one", []int64{42}},
				{4 * time.Second, "two", []int64{42}},
				{5 * time.Second, "three", nil},
			},
		},
		{
			name: "duplicate after the window",
			posts: []post{
				{0, "hello", []int64{42}},
				{31 * time.Second, "hello", []int64{42}},
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clk := newClock()
			b := newTestBoard(t, Config{}, Deps{Now: clk.Now})
			for i, p := range tc.posts {
				clk.advance(p.after)
				got, err := b.AddToast(context.Background(), p.content, "ada", 42)
				if err != nil {
					t.Fatalf("post %d: AddToast: %v", i, err)
				}
				if !sameIDs(got, p.want) {
					t.Fatalf("post %d: accepted = %v, want %v", i, got, p.want)
				}
			}
		})
	}
}

func TestAddToastSpamAllowed(t *testing.T) {
	t.Parallel()

	b := newTestBoard(t, Config{SpamAllowed: true}, Deps{Now: newClock().Now})
	for i := 0; i < 4; i++ {
		got, err := b.AddToast(context.Background(), "hello", "ada", 42)
		if err != nil || !sameIDs(got, []int64{42}) {
			t.Fatalf("post %d: accepted = %v, %v", i, got, err)
		}
	}
	b.SetSpamAllowed(false)
	if got, _ := b.AddToast(context.Background(), "hello", "ada", 42); len(got) != 0 {
		t.Fatalf("accepted = %v after enabling spam prevention", got)
	}
}

func TestAddToastMalformedAndEmpty(t *testing.T) {
	t.Parallel()

	fs := newFlakyStore()
	b := newTestBoard(t, Config{}, Deps{Store: fs})

	_, err := b.AddToast(context.Background(), "bad\xffbytes", "ada", 1)
	if !errors.Is(err, sanitize.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	got, err := b.AddToast(context.Background(), "  <b> </b><script>x()</script> ", "ada", 1)
	if err != nil || got != nil {
		t.Fatalf("AddToast(empty) = %v, %v, want nil, nil", got, err)
	}
	if puts, _ := fs.counts(); puts != 0 || b.Pending() != 0 {
		t.Fatalf("puts = %d, pending = %d, want nothing stored or queued", puts, b.Pending())
	}
}

func TestAddToastStoresSanitizedAndRendersForDisplay(t *testing.T) {
	t.Parallel()

	b := newTestBoard(t, Config{}, Deps{})
	if _, err := b.AddToast(context.Background(), "<i>see</i> https://example.com/x.png", "ada", 1); err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	got := b.Toasts()
	if len(got) != 1 {
		t.Fatalf("len(Toasts) = %d, want 1", len(got))
	}
	if got[0].Content != "see https://example.com/x.png" {
		t.Fatalf("Content = %q", got[0].Content)
	}
	if got[0].HTML == "" || got[0].HTML == got[0].Content {
		t.Fatalf("HTML = %q, want a rendered link", got[0].HTML)
	}
	if got[0].Time.Location() != time.UTC {
		t.Fatalf("Time location = %v, want UTC", got[0].Time.Location())
	}
}

func TestFailedWriteIsRequeuedAndAcceptedLater(t *testing.T) {
	t.Parallel()

	clk := newClock()
	fs := newFlakyStore()
	b := newTestBoard(t, Config{}, Deps{Store: fs, Now: clk.Now})
	ctx := context.Background()

	fs.setFailPut(true)
	got, err := b.AddToast(ctx, "first", "ada", 1)
	if err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("accepted = %v, want none while the store fails", got)
	}
	if b.Pending() != 1 || len(b.Toasts()) != 0 {
		t.Fatalf("pending = %d, cached = %d, want 1, 0", b.Pending(), len(b.Toasts()))
	}

	fs.setFailPut(false)
	clk.advance(time.Second)
	got, err = b.AddToast(ctx, "second", "bob", 2)
	if err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	if !sameIDs(got, []int64{1, 2}) {
		t.Fatalf("accepted = %v, want [1 2]", got)
	}
	if b.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", b.Pending())
	}
	cached := b.Toasts()
	if len(cached) != 2 || cached[0].Content != "second" || cached[1].Content != "first" {
		t.Fatalf("cache = %+v", cached)
	}
}

func TestQueuedPostsCountTowardSpam(t *testing.T) {
	t.Parallel()

	clk := newClock()
	fs := newFlakyStore()
	b := newTestBoard(t, Config{}, Deps{Store: fs, Now: clk.Now})
	ctx := context.Background()

	fs.setFailPut(true)
	for _, content := range []string{"hello", "hello", "two", "three"} {
		if _, err := b.AddToast(ctx, content, "ada", 42); err != nil {
			t.Fatalf("AddToast(%q): %v", content, err)
		}
		clk.advance(2 * time.Second)
	}
	if b.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", b.Pending())
	}

	fs.setFailPut(false)
	got, err := b.AddToast(ctx, "bye", "bob", 7)
	if err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	if !sameIDs(got, []int64{42, 42, 7}) {
		t.Fatalf("accepted = %v, want [42 42 7]", got)
	}
	var mine []string
	for _, c := range b.Toasts() {
		if c.AuthorID == 42 {
			mine = append(mine, c.Content)
		}
	}
	if len(mine) != 2 || mine[0] != "two" || mine[1] != "hello" {
		t.Fatalf("author 42 cached = %v, want [two hello]", mine)
	}
}

// gatedStore holds every write until release is closed.
type gatedStore struct {
	*flakyStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, r store.Record) (int64, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.flakyStore.Put(ctx, r)
}

func TestPostBeingWrittenCountsTowardSpam(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	gs := &gatedStore{flakyStore: newFlakyStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	b := newTestBoard(t, Config{}, Deps{Store: gs, Bus: bus})
	ctx := context.Background()

	var wg sync.WaitGroup
	post := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.AddToast(ctx, "hello", "ada", 42)
		}()
	}

	post()
	select {
	case <-gs.entered:
	case <-time.After(3 * time.Second):
		close(gs.release)
		t.Fatal("first write never started")
	}
	post()

	deadline := time.After(3 * time.Second)
	for rejected := false; !rejected; {
		select {
		case e := <-events:
			rejected = e.Type == eventbus.ToastRejected
		case <-deadline:
			close(gs.release)
			wg.Wait()
			t.Fatal("duplicate of a post being written was not rejected")
		}
	}
	close(gs.release)
	wg.Wait()

	if puts, _ := gs.counts(); puts != 1 {
		t.Fatalf("puts = %d, want 1", puts)
	}
	if n := len(b.Toasts()); n != 1 {
		t.Fatalf("cached = %d, want 1", n)
	}
}

func TestRequeueKeepsOriginalOrder(t *testing.T) {
	t.Parallel()

	clk := newClock()
	fs := newFlakyStore()
	b := newTestBoard(t, Config{}, Deps{Store: fs, Now: clk.Now})
	ctx := context.Background()

	fs.setFailPut(true)
	for i, author := range []int64{1, 2, 3} {
		clk.advance(time.Second)
		if _, err := b.AddToast(ctx, fmt.Sprintf("m%d", i), "x", author); err != nil {
			t.Fatalf("AddToast: %v", err)
		}
	}
	fs.setFailPut(false)
	clk.advance(time.Second)
	got, _ := b.AddToast(ctx, "m3", "x", 4)
	if !sameIDs(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("accepted = %v, want [1 2 3 4]", got)
	}
}

func TestSubscribeBackfill(t *testing.T) {
	t.Parallel()

	clk := newClock()
	b := newTestBoard(t, Config{SpamAllowed: true}, Deps{Now: clk.Now})
	for i := 1; i <= 4; i++ {
		clk.advance(time.Second)
		if _, err := b.AddToast(context.Background(), fmt.Sprintf("m%d", i), "x", int64(i)); err != nil {
			t.Fatalf("AddToast: %v", err)
		}
	}
	newest := b.Toasts()[0].ID

	cases := []struct {
		name     string
		lastSeen int64
		want     int
	}{
		{"fresh viewer", 0, 4},
		{"up to date", newest, 0},
		{"one behind", newest - 1, 1},
		{"unknown id", 999, 4},
	}
	for _, tc := range cases {
		sub := b.Subscribe(tc.lastSeen)
		got, _ := sub.take()
		sub.Close()
		if len(got) != tc.want {
			t.Fatalf("%s: backfill = %d toasts, want %d", tc.name, len(got), tc.want)
		}
		for i := 1; i < len(got); i++ {
			if got[i].ID < got[i-1].ID {
				t.Fatalf("%s: backfill not oldest first: %+v", tc.name, got)
			}
		}
	}
	if n := b.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers = %d after Close, want 0", n)
	}
}

func TestStreamDeliversInInjectionOrder(t *testing.T) {
	t.Parallel()

	clk := newClock()
	b := newTestBoard(t, Config{SpamAllowed: true}, Deps{Now: clk.Now})
	sub := b.Subscribe(0)
	defer sub.Close()

	items := make(chan Item, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sub.Stream(ctx, func(it Item) error {
			items <- it
			return nil
		})
	}()

	for i := 1; i <= 3; i++ {
		clk.advance(time.Second)
		if _, err := b.AddToast(ctx, fmt.Sprintf("m%d", i), "x", int64(i)); err != nil {
			t.Fatalf("AddToast: %v", err)
		}
	}
	for i := 1; i <= 3; i++ {
		select {
		case it := <-items:
			if it.Heartbeat || it.Toast.Content != fmt.Sprintf("m%d", i) {
				t.Fatalf("item %d = %+v", i, it)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestStreamHeartbeatAfterIdlePolls(t *testing.T) {
	t.Parallel()

	b := newTestBoard(t, Config{SpamAllowed: true, HeartbeatPolls: 15}, Deps{})
	polls := make(chan time.Time)
	b.newPoll = func(time.Duration) (<-chan time.Time, func()) { return polls, func() {} }

	sub := b.Subscribe(0)
	defer sub.Close()
	items := make(chan Item, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sub.Stream(ctx, func(it Item) error {
			items <- it
			return nil
		})
	}()

	next := func() Item {
		t.Helper()
		select {
		case it := <-items:
			return it
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream item")
			return Item{}
		}
	}
	tickN := func(n int) {
		for i := 0; i < n; i++ {
			polls <- time.Now()
		}
	}

	tickN(14)
	if _, err := b.AddToast(ctx, "first", "x", 1); err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	if it := next(); it.Heartbeat {
		t.Fatal("heartbeat after 14 idle polls, want none")
	}

	tickN(15)
	if it := next(); !it.Heartbeat {
		t.Fatalf("item = %+v, want heartbeat after 15 idle polls", it)
	}

	tickN(14)
	if _, err := b.AddToast(ctx, "second", "x", 2); err != nil {
		t.Fatalf("AddToast: %v", err)
	}
	if it := next(); it.Heartbeat || it.Toast.Content != "second" {
		t.Fatalf("item = %+v, want the toast and exactly one heartbeat before it", it)
	}
}

func TestStreamEndsOnClose(t *testing.T) {
	t.Parallel()

	b := newTestBoard(t, Config{}, Deps{})
	sub := b.Subscribe(0)
	done := make(chan error, 1)
	go func() { done <- sub.Stream(context.Background(), func(Item) error { return nil }) }()
	sub.Close()
	sub.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrSubscriberClosed) {
			t.Fatalf("Stream = %v, want ErrSubscriberClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after Close")
	}
	if err := sub.Notify(toast.Toast{ID: 1}); !errors.Is(err, ErrSubscriberClosed) {
		t.Fatalf("Notify after Close = %v, want ErrSubscriberClosed", err)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()

	clk := newClock()
	b := newTestBoard(t, Config{SpamAllowed: true, MaxPending: 1}, Deps{Now: clk.Now})
	sub := b.Subscribe(0)
	defer sub.Close()

	for i := 1; i <= 2; i++ {
		clk.advance(time.Second)
		got, err := b.AddToast(context.Background(), fmt.Sprintf("m%d", i), "x", int64(i))
		if err != nil || !sameIDs(got, []int64{int64(i)}) {
			t.Fatalf("post %d: accepted = %v, %v; poster must not see subscriber failures", i, got, err)
		}
	}
	if n := b.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers = %d, want slow subscriber dropped", n)
	}
	err := sub.Stream(context.Background(), func(Item) error { return nil })
	if !errors.Is(err, ErrSubscriberBehind) {
		t.Fatalf("Stream = %v, want ErrSubscriberBehind", err)
	}
}
