package router

import (
	"context"
	"strings"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/notify"
	"relbot/internal/release"
	"relbot/internal/tracker"
	kit "relbot/internal/transport"
	logx "relbot/pkg/logx"
	tgui "relbot/pkg/tgui"
)

// NoteSink delivers release announcements to subscribers' private chats
// with an inline unsubscribe button. It satisfies notify.Sink; the
// adapter classifies permanently unreachable chats, so delivery errors
// pass through unchanged.
type NoteSink struct {
	ad   kit.Adapter
	log  logx.Logger
	toks *tgui.TokenStore
}

func NewNoteSink(ad kit.Adapter, log logx.Logger) *NoteSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NoteSink{
		ad:  ad,
		log: log.With(logx.String("comp", "notesink")),
		// Unsub buttons live in chat history, so tokens keep a long TTL.
		// An expired button degrades to a "use /remove" hint.
		toks: tgui.NewTokenStore().WithTTL(48 * time.Hour),
	}
}

func (s *NoteSink) Deliver(ctx context.Context, n notify.Note) error {
	kb := tgui.NewInline().Row(tgui.Btn("🔕 Unsubscribe", s.unsubData(n.Repo)))
	msg := tgui.New().
		RawLine(releaseHTML(n.Repo, n.Release, n.Forced)).
		Inline(kb).
		Build()
	_, err := msg.Send(ctx, s.ad, kit.ChatTarget{ChatID: n.Subscriber})
	return err
}

// unsubData builds the unsubscribe callback data, parking the repository
// reference in the token store when it would not fit Telegram's
// 64-byte callback_data limit.
func (s *NoteSink) unsubData(repo release.Repo) string {
	payload := repo.String()
	if data := tgui.Data("rel", "unsub", payload); len(data) <= tgui.MaxCallbackDataLen {
		return data
	}
	return tgui.Data("rel", "unsub", s.toks.Put(payload))
}

// ResolvePayload expands a callback payload that may be a parked token.
func (s *NoteSink) ResolvePayload(payload string) (string, bool) {
	if !strings.HasPrefix(payload, "~") {
		return payload, true
	}
	return s.toks.Get(payload)
}

// RunAuthAlerts forwards credential-rejection events to the affected
// subscriber, out of band from any poll cycle. It blocks until ctx ends.
func RunAuthAlerts(ctx context.Context, bus eventbus.Bus, ad kit.Adapter, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TypeAuthError {
				continue
			}
			ev, ok := e.Data.(tracker.AuthErrorEvent)
			if !ok || ev.Subscriber == 0 {
				continue
			}
			text := authAlertHTML(ev)
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := ad.SendText(sctx, kit.ChatTarget{ChatID: ev.Subscriber}, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
			if err != nil {
				log.Warn("auth alert not delivered",
					logx.Int64("subscriber", ev.Subscriber),
					logx.String("platform", ev.Platform),
					logx.Err(err))
			}
		}
	}
}

func authAlertHTML(ev tracker.AuthErrorEvent) string {
	p, _ := release.ParsePlatform(ev.Platform)
	return strings.Join([]string{
		"🔑 " + tgui.B("Your "+platformBadge(p)+" token was rejected").String(),
		tgui.Esc("The platform refused your token while polling "+ev.Repo+".").String(),
		"It will be skipped until you set a new one with " + tgui.Code("/token "+ev.Platform+" <value>").String() + ", or remove it with " + tgui.Code("/deltoken "+ev.Platform).String() + ".",
	}, "\n")
}
