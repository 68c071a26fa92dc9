package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/notify"
	"relbot/internal/release"
	"relbot/internal/tracker"
	logx "relbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

func TestUnsubDataInlineWhenShort(t *testing.T) {
	sink := NewNoteSink(&fakeAdapter{}, logx.Nop())
	repo := testRepo(t, "acme/widget")

	data := sink.unsubData(repo)
	if data != "rel:unsub:github:acme/widget" {
		t.Fatalf("data = %q", data)
	}
	resolved, ok := sink.ResolvePayload("github:acme/widget")
	if !ok || resolved != "github:acme/widget" {
		t.Fatalf("resolve = %q, %v", resolved, ok)
	}
}

func TestDeliverRendersReleaseCard(t *testing.T) {
	ad := &fakeAdapter{}
	sink := NewNoteSink(ad, logx.Nop())

	note := notify.Note{
		Subscriber: 7,
		Repo:       testRepo(t, "acme/widget"),
		Release: release.Descriptor{
			ID:          "9001",
			Tag:         "v1.2.0",
			Title:       "Widget 1.2",
			PublishedAt: time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC),
			URL:         "https://github.com/acme/widget/releases/tag/v1.2.0",
		},
	}
	if err := sink.Deliver(context.Background(), note); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	sent := ad.lastText(t)
	if sent.to.ChatID != 7 {
		t.Fatalf("chat = %d", sent.to.ChatID)
	}
	for _, want := range []string{"🚀", "acme/widget", "v1.2.0"} {
		if !strings.Contains(sent.text, want) {
			t.Errorf("card missing %q:\n%s", want, sent.text)
		}
	}
	if sent.opt == nil || sent.opt.ParseMode != "HTML" || !sent.opt.DisablePreview {
		t.Fatalf("send options = %+v", sent.opt)
	}

	rm, ok := sent.opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if !ok || rm == nil {
		t.Fatalf("reply markup = %T", sent.opt.ReplyMarkupAdapter)
	}
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 1 {
		t.Fatalf("keyboard = %+v", rm.InlineKeyboard)
	}
	btn := rm.InlineKeyboard[0][0]
	if btn.Data != "rel:unsub:github:acme/widget" {
		t.Fatalf("button data = %q", btn.Data)
	}
	if !strings.Contains(btn.Text, "Unsubscribe") {
		t.Fatalf("button text = %q", btn.Text)
	}
}

func TestRunAuthAlerts(t *testing.T) {
	ad := &fakeAdapter{}
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- RunAuthAlerts(ctx, bus, ad, logx.Nop()) }()

	// The subscriber id 0 marks "no private chat known"; such events stay
	// on the bus only. Publish them first so a regression would surface
	// as a send to chat 0 ahead of the real alert.
	deadline := time.Now().Add(2 * time.Second)
	for ad.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("auth alert never delivered")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeAuthError, Data: tracker.AuthErrorEvent{Subscriber: 0, Platform: "github", Repo: "github:acme/widget"}})
		bus.Publish(eventbus.Event{Type: eventbus.TypePollCompleted, Data: tracker.PollEvent{Repo: "github:acme/widget", Outcome: "found"}})
		bus.Publish(eventbus.Event{Type: eventbus.TypeAuthError, Data: tracker.AuthErrorEvent{Subscriber: 7, Platform: "github", Repo: "github:acme/widget"}})
		time.Sleep(5 * time.Millisecond)
	}

	first := func() sentText {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return ad.sent[0]
	}()
	if first.to.ChatID != 7 {
		t.Fatalf("alert went to chat %d", first.to.ChatID)
	}
	for _, want := range []string{"token was rejected", "acme/widget", "/token github", "/deltoken github"} {
		if !strings.Contains(first.text, want) {
			t.Errorf("alert missing %q:\n%s", want, first.text)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunAuthAlerts did not stop on cancel")
	}
}
