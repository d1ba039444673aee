package digest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	logx "trackbot/pkg/logx"

	kit "trackbot/internal/transport"
)

type fakeAdapter struct {
	platform string

	mu     sync.Mutex
	sent   []string
	failOn string // any send with this exact text fails
}

func (f *fakeAdapter) Platform() string                                       { return f.platform }
func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && text == f.failOn {
		return kit.MessageRef{}, errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{Platform: f.platform, ChatID: to.ChatID, MessageID: "1"}, nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func runJob(t *testing.T, ad *fakeAdapter, lines []string, ping string) JobStatus {
	t.Helper()
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000},
		map[string]kit.Adapter{ad.platform: ad}, logx.Nop())
	s.Start(context.Background())

	id := s.Enqueue("telegram:-100", kit.ChatTarget{Platform: ad.platform, ChatID: "-100"}, lines, ping, nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, ok := s.Status(id)
		if ok && !st.DoneAt.IsZero() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.Stop(ctx)
			cancel()
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("digest job %s did not finish", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDigestSendsLinesInOrderThenPing(t *testing.T) {
	ad := &fakeAdapter{platform: kit.PlatformTelegram}
	lines := []string{"item A: 10,000 to go", "item B: 55,000 to go", "item C: 90,000 to go"}

	st := runJob(t, ad, lines, "@here milestones incoming")

	got := ad.sentTexts()
	want := append(append([]string(nil), lines...), "@here milestones incoming")
	if len(got) != len(want) {
		t.Fatalf("sends = %d (%q), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if st.Done != 3 || !st.PingSent || st.Aborted {
		t.Fatalf("status = %+v, want Done=3 PingSent Aborted=false", st)
	}
}

func TestDigestFailureAbortsRemainderAndPing(t *testing.T) {
	ad := &fakeAdapter{platform: kit.PlatformTelegram, failOn: "line two"}
	lines := []string{"line one", "line two", "line three"}

	st := runJob(t, ad, lines, "ping")

	got := ad.sentTexts()
	if len(got) != 1 || got[0] != "line one" {
		t.Fatalf("sends = %q, want only [line one]", got)
	}
	if !st.Aborted {
		t.Fatalf("status = %+v, want Aborted", st)
	}
	if st.PingSent {
		t.Fatalf("ping must not follow an aborted batch")
	}
	if st.Done != 1 {
		t.Fatalf("Done = %d, want 1", st.Done)
	}
}

func TestDigestNoPingWithoutLines(t *testing.T) {
	ad := &fakeAdapter{platform: kit.PlatformTelegram}

	st := runJob(t, ad, nil, "ping")

	if got := ad.sentTexts(); len(got) != 0 {
		t.Fatalf("sends = %q, want none for empty batch", got)
	}
	if st.PingSent {
		t.Fatalf("ping must not be sent for an empty batch")
	}
}

func TestDigestUnknownPlatformAborts(t *testing.T) {
	ad := &fakeAdapter{platform: kit.PlatformTelegram}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000},
		map[string]kit.Adapter{ad.platform: ad}, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(ctx)
		cancel()
	}()

	id := s.Enqueue("slack:C1", kit.ChatTarget{Platform: "matrix", ChatID: "C1"}, []string{"x"}, "", nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, ok := s.Status(id)
		if ok && !st.DoneAt.IsZero() {
			if !st.Aborted {
				t.Fatalf("status = %+v, want Aborted for unknown platform", st)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("digest job did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
