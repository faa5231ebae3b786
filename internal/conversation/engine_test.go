package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/foxzi/wacast/internal/ai"
	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/dispatch"
	"github.com/foxzi/wacast/internal/instance"
	"github.com/foxzi/wacast/internal/wa"
	"github.com/foxzi/wacast/internal/warmup"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, whose view worker starts at package init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type sent struct {
	from, to, text string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sent
	at     []time.Time
	onSend func(n int)
	fail   func(n int) error
}

func (f *fakeSender) SendText(ctx context.Context, token, instanceID, number, message string) error {
	f.mu.Lock()
	f.sent = append(f.sent, sent{from: instanceID, to: number, text: message})
	f.at = append(f.at, time.Now())
	n := len(f.sent)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(n)
	}
	if f.fail != nil {
		return f.fail(n)
	}
	return nil
}

func (f *fakeSender) SendImage(ctx context.Context, token, instanceID, number, image, caption string) error {
	return f.SendText(ctx, token, instanceID, number, caption)
}

func (f *fakeSender) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.at...)
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type counterProvider struct {
	calls atomic.Int32
}

func (p *counterProvider) Name() string { return "counter" }

func (p *counterProvider) GenerateReply(ctx context.Context, req ai.Request) (string, error) {
	n := p.calls.Add(1)
	return fmt.Sprintf("generated message number %d", n), nil
}

type failingProvider struct{ err error }

func (p failingProvider) Name() string { return "failing" }

func (p failingProvider) GenerateReply(ctx context.Context, req ai.Request) (string, error) {
	return "", p.err
}

type fixture struct {
	engine   *Engine
	registry *campaign.Registry
	sender   *fakeSender
}

func newFixture(t *testing.T, provider ai.Provider, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithCooldown(t, provider, cfg, 5*time.Millisecond)
}

func newFixtureWithCooldown(t *testing.T, provider ai.Provider, cfg Config, cooldown time.Duration) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := campaign.NewRegistry(campaign.NewMemoryStore())
	sup := campaign.NewSupervisor(registry, logger)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	disp := dispatch.New(registry, dispatch.Config{
		Tick:        time.Millisecond,
		Cooldown:    cooldown,
		SendTimeout: time.Second,
	}, logger)

	dir := instance.NewMemoryDirectory()
	dir.Put(instance.Instance{ID: "i1", OwnerID: "alice", Phone: "111", Status: "connected"})
	dir.Put(instance.Instance{ID: "i2", OwnerID: "alice", Phone: "222", Status: "connected"})
	dir.Put(instance.Instance{ID: "i3", OwnerID: "alice", Status: "connected"})
	dir.SetCredential("alice", "tok")

	factory := func(ctx context.Context, name, key string) (ai.Provider, error) {
		if name == "broken" {
			return nil, errors.New("no api key")
		}
		return provider, nil
	}

	if cfg.MinDelay == 0 {
		cfg.MinDelay = time.Millisecond
	}
	if cfg.SafetyPause == 0 {
		cfg.SafetyPause = time.Millisecond
	}
	sender := &fakeSender{}
	engine := NewEngine(sup, disp, instance.NewService(dir, nil), sender, factory, nil, cfg, logger)
	return &fixture{engine: engine, registry: registry, sender: sender}
}

func (f *fixture) stopAfter(id string, n int) {
	f.sender.onSend = func(got int) {
		if got == n {
			f.registry.RequestStop(context.Background(), id)
		}
	}
}

func waitCompleted(t *testing.T, r *campaign.Registry, id string) *campaign.Campaign {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := r.Get(context.Background(), id)
		if err == nil && c.Completed {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("campaign %s did not complete", id)
	return nil
}

func TestHistoryBound(t *testing.T) {
	h := NewHistory(MaxHistory)
	for i := 1; i <= 25; i++ {
		h.Add(Entry{Content: fmt.Sprintf("m%d", i)})
	}
	if h.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", h.Len())
	}
	var got []string
	for _, e := range h.Entries() {
		got = append(got, e.Content)
	}
	var want []string
	for i := 6; i <= 25; i++ {
		want = append(want, fmt.Sprintf("m%d", i))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	tail := h.Tail(3)
	if len(tail) != 3 || tail[2].Content != "m25" {
		t.Errorf("Tail(3) = %+v", tail)
	}
}

func TestEngineHistoryAfter25Messages(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{})
	f.stopAfter("c1", 25)

	_, err := f.engine.Start(context.Background(), Request{
		CampaignID:  "c1",
		OwnerID:     "alice",
		InstanceIDs: []string{"i1", "i2"},
		Unlimited:   true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	final := waitCompleted(t, f.registry, "c1")
	if final.Progress.HistoryLen != 20 {
		t.Errorf("HistoryLen = %d, want 20", final.Progress.HistoryLen)
	}
	if final.CurrentIndex != 25 {
		t.Errorf("CurrentIndex = %d, want 25", final.CurrentIndex)
	}
	if final.Progress.LastMessage != "generated message number 25" {
		t.Errorf("LastMessage = %q", final.Progress.LastMessage)
	}
}

func TestEngineAlternatesSpeakers(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{})
	f.stopAfter("c2", 4)

	if _, err := f.engine.Start(context.Background(), Request{
		CampaignID:  "c2",
		OwnerID:     "alice",
		InstanceIDs: []string{"i1", "i2"},
		Unlimited:   true,
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCompleted(t, f.registry, "c2")

	var got [][2]string
	for _, s := range f.sender.messages() {
		got = append(got, [2]string{s.from, s.to})
	}
	want := [][2]string{{"i1", "222"}, {"i2", "111"}, {"i1", "222"}, {"i2", "111"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("speakers mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineFallbackWhenProviderFails(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rate limited", fmt.Errorf("max retries exceeded: %w", ai.ErrRateLimited)},
		{"other error", errors.New("invalid api key")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, failingProvider{err: tt.err}, Config{})
			f.stopAfter("c3", 6)

			if _, err := f.engine.Start(context.Background(), Request{
				CampaignID:  "c3",
				OwnerID:     "alice",
				InstanceIDs: []string{"i1", "i2"},
				Theme:       "weekend plans",
				Unlimited:   true,
			}); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			final := waitCompleted(t, f.registry, "c3")
			if final.CurrentIndex != 6 || len(final.ErrorList) != 0 {
				t.Errorf("CurrentIndex = %d, errors = %v", final.CurrentIndex, final.ErrorList)
			}

			pool := make(map[string]bool)
			for _, s := range append(append([]string{}, greetings...), generalFillers...) {
				pool[s] = true
			}
			msgs := f.sender.messages()
			for i, s := range msgs {
				if s.text == "" || !pool[s.text] {
					t.Errorf("message %d = %q, not from the fallback pool", i, s.text)
				}
			}
			if len(msgs) > 0 && !contains(greetings, msgs[0].text) {
				t.Errorf("opener %q is not a greeting", msgs[0].text)
			}
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestEngineSessionLimit(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{})

	c, err := f.engine.Start(context.Background(), Request{
		CampaignID:   "c4",
		OwnerID:      "alice",
		InstanceIDs:  []string{"i1", "i2"},
		SessionLimit: 3,
		Unlimited:    true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.TotalTargets != 3 {
		t.Errorf("TotalTargets = %d, want 3", c.TotalTargets)
	}
	final := waitCompleted(t, f.registry, "c4")
	if final.StopRequested {
		t.Error("session cap should complete without a stop request")
	}
	if final.CurrentIndex != 3 || final.Progress.SentThisSession != 3 {
		t.Errorf("CurrentIndex = %d, session = %d", final.CurrentIndex, final.Progress.SentThisSession)
	}
}

func TestEngineSafetyPause(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{
		SafetyPause:   time.Hour,
		PauseEveryMin: 2,
		PauseEveryMax: 2,
	})

	if _, err := f.engine.Start(context.Background(), Request{
		CampaignID:  "c5",
		OwnerID:     "alice",
		InstanceIDs: []string{"i1", "i2"},
		Unlimited:   true,
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		c, _ := f.registry.Get(context.Background(), "c5")
		if c.Progress != nil && !c.Progress.PausedUntil.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("safety pause never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.registry.RequestStop(context.Background(), "c5")
	final := waitCompleted(t, f.registry, "c5")
	if final.CurrentIndex != 2 {
		t.Errorf("CurrentIndex = %d, want 2 (paused after the second message)", final.CurrentIndex)
	}
}

func TestEngineValidation(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"single instance", Request{OwnerID: "alice", InstanceIDs: []string{"i1"}}, instance.ErrTooFewInstances},
		{"duplicate instance", Request{OwnerID: "alice", InstanceIDs: []string{"i1", "i1"}}, instance.ErrTooFewInstances},
		{"foreign owner", Request{OwnerID: "bob", InstanceIDs: []string{"i1", "i2"}}, instance.ErrNotFound},
		{"no phone", Request{OwnerID: "alice", InstanceIDs: []string{"i1", "i3"}}, instance.ErrNoPhone},
		{"provider", Request{OwnerID: "alice", InstanceIDs: []string{"i1", "i2"}, Provider: "broken"}, ErrProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Start(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if list, _ := f.registry.ListByOwner(context.Background(), "alice"); len(list) != 0 {
		t.Errorf("campaigns created on validation failure: %v", list)
	}
}

func TestDegenerate(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"ok", true},
		{"Absolutely!", true},
		{"Sure thing, see you tomorrow", false},
	}
	for _, tt := range tests {
		if got := degenerate(tt.text); got != tt.want {
			t.Errorf("degenerate(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Hey, how are you?"`, "Hey, how are you?"},
		{"111: see you at five", "see you at five"},
		{"+49123: see you at five", "see you at five"},
		{"Assistant: sounds good", "sounds good"},
		{"Update: the meeting moved", "Update: the meeting moved"},
		{"Alice: see you at five", "Alice: see you at five"},
		{"Well, here is a long sentence: with a colon", "Well, here is a long sentence: with a colon"},
	}
	for _, tt := range tests {
		if got := clean(tt.in); got != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFallbackPools(t *testing.T) {
	if !contains(greetings, fallback(true, "sales pipeline")) {
		t.Error("opener fallback is not a greeting")
	}
	if !contains(businessFillers, fallback(false, "Q3 Sales review")) {
		t.Error("business theme did not use business fillers")
	}
	if !contains(generalFillers, fallback(false, "")) {
		t.Error("empty theme did not use general fillers")
	}
}

func TestReplyRequestUsesRecentHistory(t *testing.T) {
	h := NewHistory(MaxHistory)
	for i := 1; i <= 15; i++ {
		h.Add(Entry{From: "111", Content: fmt.Sprintf("line-%02d", i)})
	}
	req := replyRequest(h, "travel")
	if !strings.Contains(req.Prompt, "line-15") || !strings.Contains(req.Prompt, "line-06") {
		t.Errorf("prompt misses recent history:\n%s", req.Prompt)
	}
	if strings.Contains(req.Prompt, "line-05") {
		t.Errorf("prompt includes entries beyond the context window:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "travel") {
		t.Error("prompt misses the theme")
	}
}

func TestEnginePhaseTableAdvances(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{})
	f.stopAfter("phased", 8)

	c, err := f.engine.Start(context.Background(), Request{
		CampaignID:   "phased",
		OwnerID:      "alice",
		InstanceIDs:  []string{"i1", "i2"},
		DelaySeconds: 1e-9,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.TotalTargets != warmup.TotalQuota() {
		t.Errorf("TotalTargets = %d, want %d", c.TotalTargets, warmup.TotalQuota())
	}

	final := waitCompleted(t, f.registry, "phased")
	if final.CurrentIndex != 8 {
		t.Fatalf("CurrentIndex = %d, want 8", final.CurrentIndex)
	}
	if final.Progress.Phase != 2 || final.Progress.PhaseSent != 3 {
		t.Errorf("phase = %d, phaseSent = %d, want 2 and 3", final.Progress.Phase, final.Progress.PhaseSent)
	}
}

func TestEnginePhaseTableCompletes(t *testing.T) {
	f := newFixture(t, &counterProvider{}, Config{})

	if _, err := f.engine.Start(context.Background(), Request{
		CampaignID:   "full",
		OwnerID:      "alice",
		InstanceIDs:  []string{"i1", "i2"},
		DelaySeconds: 1e-9,
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var final *campaign.Campaign
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		c, err := f.registry.Get(context.Background(), "full")
		if err == nil && c.Completed {
			final = c
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("conversation did not finish the phase table")
	}
	if final.CurrentIndex != warmup.TotalQuota() {
		t.Errorf("CurrentIndex = %d, want %d", final.CurrentIndex, warmup.TotalQuota())
	}
	if final.Progress.Phase != warmup.MaxPhase || final.StopRequested {
		t.Errorf("phase = %d, stopRequested = %v", final.Progress.Phase, final.StopRequested)
	}
}

func TestEngineCooldownOnRateLimit(t *testing.T) {
	const cooldown = 100 * time.Millisecond
	f := newFixtureWithCooldown(t, &counterProvider{}, Config{}, cooldown)
	f.sender.fail = func(n int) error {
		if n == 1 {
			return &wa.APIError{StatusCode: 429, Message: "too many requests"}
		}
		return nil
	}
	f.stopAfter("throttled", 2)

	if _, err := f.engine.Start(context.Background(), Request{
		CampaignID:   "throttled",
		OwnerID:      "alice",
		InstanceIDs:  []string{"i1", "i2"},
		Unlimited:    true,
		DelaySeconds: 1e-9,
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	final := waitCompleted(t, f.registry, "throttled")
	if len(final.ErrorList) != 1 || final.ErrorList[0].Recipient != "222" {
		t.Fatalf("ErrorList = %+v, want the throttled send", final.ErrorList)
	}
	if diff := cmp.Diff([]string{"111"}, final.SuccessList); diff != "" {
		t.Errorf("SuccessList mismatch (-want +got):\n%s", diff)
	}
	at := f.sender.times()
	if len(at) != 2 {
		t.Fatalf("sends = %d, want 2", len(at))
	}
	if gap := at[1].Sub(at[0]); gap < cooldown {
		t.Errorf("gap after rate limit = %v, want at least %v", gap, cooldown)
	}
}
