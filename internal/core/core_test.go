package core

import (
	"context"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/riptide/rgec/internal/arbiter"
	"github.com/riptide/rgec/internal/config"
	"github.com/riptide/rgec/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.AdmissionDeadline = 200 * time.Millisecond
	cfg.RenderTimeout = 2 * time.Second
	cfg.DefaultTimeout = 5 * time.Second
	cfg.DegradationHeadlessLimit = 0.5
	cfg.DegradationWasmLimit = 0.8
	return cfg
}

func TestAdmissionErrorMapsResourceExhaustedFromDegradationScore(t *testing.T) {
	cfg := testConfig()
	arb := arbiter.New(cfg)
	defer arb.Close()
	arb.SetDegradationScore(0.9)

	outcome := arb.Admit(context.Background(), "example.com", false, true)
	if outcome.Admitted() {
		t.Fatal("Admit() should refuse wasm admission above DegradationWasmLimit")
	}

	c := &Core{}
	err := c.admissionError(outcome)
	if err.Code != types.CodeResourceExhausted {
		t.Fatalf("admissionError() code = %v, want CodeResourceExhausted", err.Code)
	}
}

func TestAdmissionErrorMapsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultRatePerSecond = 0.0001
	cfg.DefaultRateBurst = 1
	arb := arbiter.New(cfg)
	defer arb.Close()

	// Exhaust the single burst token, then the next reservation should not
	// fit within the short admission deadline.
	arb.Admit(context.Background(), "slow.example", false, false)
	outcome := arb.Admit(context.Background(), "slow.example", false, false)

	c := &Core{}
	err := c.admissionError(outcome)
	if outcome.Admitted() {
		t.Skip("token bucket admitted both requests under this rate, nothing to assert")
	}
	if err.Code != types.CodeRateLimited && err.Code != types.CodeTimeout {
		t.Fatalf("admissionError() code = %v, want CodeRateLimited or CodeTimeout", err.Code)
	}
}

func TestAdmissionErrorMapsTimeout(t *testing.T) {
	cfg := testConfig()
	arb := arbiter.New(cfg)
	defer arb.Close()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	outcome := arb.Admit(ctx, "already-past.example", false, false)

	c := &Core{}
	err := c.admissionError(outcome)
	if err.Code != types.CodeTimeout {
		t.Fatalf("admissionError() code = %v, want CodeTimeout", err.Code)
	}
}

func TestApplyCookiesTranslatesFields(t *testing.T) {
	fake := &fakeCookiePage{}
	cookies := []*proto.NetworkCookie{
		{Name: "a", Value: "1", Domain: "example.com", Path: "/", HTTPOnly: true, Secure: true},
	}

	applyCookies(fake, cookies)

	if len(fake.got) != 1 {
		t.Fatalf("SetCookies() received %d params, want 1", len(fake.got))
	}
	if fake.got[0].Name != "a" || fake.got[0].Domain != "example.com" {
		t.Fatalf("SetCookies() param = %+v, want translated name/domain", fake.got[0])
	}
}

type fakeCookiePage struct {
	got []*proto.NetworkCookieParam
}

func (f *fakeCookiePage) SetCookies(params ...*proto.NetworkCookieParam) error {
	f.got = params
	return nil
}

func TestResourceStatusZeroValueIsSafe(t *testing.T) {
	var s ResourceStatus
	if s.DegradationScore != 0 || s.ActiveSessions != 0 {
		t.Fatal("zero-value ResourceStatus should have all-zero fields")
	}
}
