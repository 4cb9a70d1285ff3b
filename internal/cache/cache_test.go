package cache

import (
	"testing"
	"time"

	"toastboard/internal/toast"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func post(authorID int64, content string, at time.Duration, id int64) toast.Toast {
	return toast.Toast{Author: "a", AuthorID: authorID, Content: content, Time: base.Add(at), ID: id}
}

// admit mirrors how the board uses the cache: check, then inject.
func admit(c *Cache, t toast.Toast) bool {
	if c.IsSpam(t) {
		return false
	}
	c.Inject(t)
	return true
}

func TestIsSpam(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		posts []toast.Toast
		want  []bool
	}{
		{
			name:  "duplicate within window",
			posts: []toast.Toast{post(42, "hello", 0, 1), post(42, "hello", 5*time.Second, 2)},
			want:  []bool{true, false},
		},
		{
			name: "third post rate limited",
			posts: []toast.Toast{
				post(42, "one", 0, 1),
				post(42, "two", 4*time.Second, 2),
				post(42, "three", 9*time.Second, 3),
			},
			want: []bool{true, true, false},
		},
		{
			name:  "duplicate after window",
			posts: []toast.Toast{post(42, "hello", 0, 1), post(42, "hello", 31*time.Second, 2)},
			want:  []bool{true, true},
		},
		{
			name:  "entry exactly at cutoff is outside",
			posts: []toast.Toast{post(42, "hello", 0, 1), post(42, "hello", SpamWindow, 2)},
			want:  []bool{true, true},
		},
		{
			name: "other authors do not count",
			posts: []toast.Toast{
				post(1, "hi", 0, 1),
				post(2, "hi", time.Second, 2),
				post(3, "hi", 2*time.Second, 3),
			},
			want: []bool{true, true, true},
		},
		{
			name: "rate limit counts only inside window",
			posts: []toast.Toast{
				post(42, "one", 0, 1),
				post(42, "two", 20*time.Second, 2),
				post(42, "three", 40*time.Second, 3),
			},
			want: []bool{true, true, true},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := New(50, false)
			for i, p := range tc.posts {
				if got := admit(c, p); got != tc.want[i] {
					t.Fatalf("post %d admitted = %v, want %v", i, got, tc.want[i])
				}
			}
		})
	}
}

func TestIsSpamMixedZones(t *testing.T) {
	t.Parallel()

	c := New(50, false)
	// Same instant expressed in another zone, as a relayed timestamp might be.
	east := time.FixedZone("east", 5*3600)
	first := toast.Toast{AuthorID: 7, Content: "x", Time: base.In(east), ID: 1}
	c.Inject(first)

	naive, err := toast.ParseTime("2024-03-01 12:00:10")
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !c.IsSpam(toast.Toast{AuthorID: 7, Content: "x", Time: naive}) {
		t.Fatal("duplicate across zones not detected")
	}
}

func TestIsSpamWithUnsaved(t *testing.T) {
	t.Parallel()

	c := New(50, false)
	c.Inject(post(42, "one", 0, 1))
	unsaved := []toast.Toast{post(42, "two", 2*time.Second, 0)}

	cases := []struct {
		name      string
		candidate toast.Toast
		unsaved   []toast.Toast
		want      bool
	}{
		{"duplicate of unsaved", post(42, "two", 3*time.Second, 0), unsaved, true},
		{"cached and unsaved reach the limit", post(42, "three", 3*time.Second, 0), unsaved, true},
		{"cache alone under the limit", post(42, "three", 3*time.Second, 0), nil, false},
		{"other author", post(7, "two", 3*time.Second, 0), unsaved, false},
		{"unsaved outside window", post(42, "two", 2*time.Second+SpamWindow, 0), unsaved, false},
	}
	for _, tc := range cases {
		if got := c.IsSpamWith(tc.candidate, tc.unsaved); got != tc.want {
			t.Fatalf("%s: IsSpamWith = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSpamAllowed(t *testing.T) {
	t.Parallel()

	c := New(50, true)
	for i := 0; i < 5; i++ {
		if !admit(c, post(42, "hello", time.Duration(i)*time.Second, int64(i+1))) {
			t.Fatalf("post %d rejected with spam allowed", i)
		}
	}
	c.SetSpamAllowed(false)
	if !c.IsSpam(post(42, "hello", 6*time.Second, 0)) {
		t.Fatal("spam not detected after re-enabling prevention")
	}
}

func TestInjectBoundAndOrder(t *testing.T) {
	t.Parallel()

	c := New(3, true)
	for i := 1; i <= 10; i++ {
		p := post(int64(i), "m", time.Duration(i)*time.Second, int64(i))
		c.Inject(p)
		if c.Len() > 3 {
			t.Fatalf("Len = %d, want <= 3", c.Len())
		}
		if got := c.Snapshot()[0].ID; got != int64(i) {
			t.Fatalf("front id = %d, want %d", got, i)
		}
	}
	snap := c.Snapshot()
	for i, want := range []int64{10, 9, 8} {
		if snap[i].ID != want {
			t.Fatalf("snapshot[%d] = %d, want %d", i, snap[i].ID, want)
		}
	}
	if c.Contains(7) {
		t.Fatal("trimmed id still reported as cached")
	}
	if !c.Contains(9) {
		t.Fatal("cached id not found")
	}
}

func TestSince(t *testing.T) {
	t.Parallel()

	c := New(10, true)
	for i := 1; i <= 4; i++ {
		c.Inject(post(1, "m", time.Duration(i)*time.Second, int64(i)))
	}

	ids := func(ts []toast.Toast) []int64 {
		out := make([]int64, 0, len(ts))
		for _, t := range ts {
			out = append(out, t.ID)
		}
		return out
	}
	cases := []struct {
		last int64
		want []int64
	}{
		{0, []int64{1, 2, 3, 4}},
		{4, []int64{}},
		{2, []int64{3, 4}},
		{99, []int64{1, 2, 3, 4}},
	}
	for _, tc := range cases {
		got := ids(c.Since(tc.last))
		if len(got) != len(tc.want) {
			t.Fatalf("Since(%d) = %v, want %v", tc.last, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Since(%d) = %v, want %v", tc.last, got, tc.want)
			}
		}
	}
}
