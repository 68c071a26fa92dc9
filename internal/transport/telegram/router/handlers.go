package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"relbot/internal/eventbus"
	"relbot/internal/release"
	"relbot/internal/store"
	"relbot/internal/tracker"
	kit "relbot/internal/transport"
	logx "relbot/pkg/logx"
	tgui "relbot/pkg/tgui"
)

const importMaxBytes = 8 << 20

// Registry returns the bot's command set and inline-callback routes.
// Handlers reach their collaborators through req.Services.
func Registry(sink *NoteSink) ([]Command, []CallbackRoute) {
	cmds := []Command{
		{
			Route:       "start",
			Description: "what this bot does",
			Usage:       "/start",
			Access:      AccessEveryone,
			Handle:      handleStart,
		},
		{
			Route:       "add",
			Description: "subscribe to a repository's releases",
			Usage:       "/add <owner/name | gitlab:owner/name | URL> [hours]",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleAdd,
		},
		{
			Route:       "remove",
			Aliases:     []string{"rm"},
			Description: "unsubscribe from a repository",
			Usage:       "/remove <repo>",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleRemove,
		},
		{
			Route:       "list",
			Aliases:     []string{"ls"},
			Description: "your subscriptions",
			Usage:       "/list",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleList,
		},
		{
			Route:       "interval",
			Description: "change how often a repository is polled for you",
			Usage:       "/interval <repo> <hours>",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleInterval,
		},
		{
			Route:       "check",
			Description: "poll your subscriptions right now",
			Usage:       "/check [repo] [--force]",
			Access:      AccessEveryone,
			Timeout:     2 * time.Minute,
			Handle:      handleCheck,
		},
		{
			Route:       "token",
			Description: "store your API token for a platform (private chat only)",
			Usage:       "/token <github|gitlab> <value>",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleToken,
		},
		{
			Route:       "deltoken",
			Description: "delete your stored API token (private chat only)",
			Usage:       "/deltoken <github|gitlab>",
			Access:      AccessEveryone,
			Timeout:     15 * time.Second,
			Handle:      handleDelToken,
		},
		{
			Route:       "export",
			Description: "export all subscriptions as a JSON document",
			Usage:       "/export",
			Access:      AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      handleExport,
		},
		{
			Route:       "import",
			Description: "replace all subscriptions from a JSON document",
			Usage:       "send the export file with caption /import",
			Access:      AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      handleImport,
		},
		{
			Route:       "status",
			Description: "tracker and runtime status",
			Usage:       "/status",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      handleStatus,
		},
		{
			Route:       "checkrepo",
			Description: "poll one repository for all its watchers",
			Usage:       "/checkrepo <repo>",
			Access:      AccessOwnerOnly,
			Timeout:     45 * time.Second,
			Handle:      handleCheckRepo,
		},
		{
			Route:       "backup",
			Description: "write a snapshot backup to disk now",
			Usage:       "/backup",
			Access:      AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      handleBackup,
		},
	}

	cbs := []CallbackRoute{
		{
			Group:       "rel",
			Action:      "unsub",
			Description: "unsubscribe via the button under a notification",
			Access:      CallbackAccessEveryone,
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *Request, payload string) error {
				return handleUnsubCallback(ctx, req, payload, sink)
			},
		},
	}

	return cmds, cbs
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func handleStart(ctx context.Context, req *Request) error {
	text := strings.Join([]string{
		"👋 " + tgui.B("Release tracker").String(),
		"I watch GitHub and GitLab repositories and message you when a new release is published.",
		"",
		"• " + tgui.Code("/add owner/name").String() + " — watch a GitHub repository",
		"• " + tgui.Code("/add gitlab:owner/name 6").String() + " — watch a GitLab repository, polled every 6h",
		"• " + tgui.Code("/list").String() + " — what you are watching",
		"• " + tgui.Code("/check").String() + " — poll right now",
		"",
		"The first poll of a new subscription records the current release silently; you are notified starting with the next release. Full command list: " + tgui.Code("/help").String(),
	}, "\n")
	return reply(ctx, req, text)
}

func handleAdd(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return reply(ctx, req, "Usage: <code>/add owner/name [hours]</code> — also accepts <code>gitlab:owner/name</code> and full URLs.")
	}
	repo, err := parseRepoSpec(req.Args[0])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}
	hours := 0
	if len(req.Args) >= 2 {
		if hours, err = parseHours(req.Args[1]); err != nil {
			return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
		}
	}

	sub, err := req.Services.Tracker.AddSubscription(ctx, req.FromID, repo, hours)
	switch {
	case errors.Is(err, store.ErrExists):
		return reply(ctx, req, "You already watch "+tgui.Code(repo.String()).String()+". Change the cadence with <code>/interval</code>.")
	case err != nil:
		req.Logger.Error("add subscription failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not save the subscription, try again later.")
	}
	return reply(ctx, req,
		"✅ Watching "+tgui.Code(sub.Repo.String()).String()+fmt.Sprintf(" every %dh.", sub.EveryHours)+
			"\nThe current release (if any) is recorded silently; you will be notified from the next one.")
}

func handleRemove(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return reply(ctx, req, "Usage: <code>/remove owner/name</code>")
	}
	repo, err := parseRepoSpec(req.Args[0])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}

	err = req.Services.Tracker.RemoveSubscription(ctx, req.FromID, repo)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return reply(ctx, req, "You are not watching "+tgui.Code(repo.String()).String()+".")
	case err != nil:
		req.Logger.Error("remove subscription failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not remove the subscription, try again later.")
	}
	return reply(ctx, req, "🔕 Stopped watching "+tgui.Code(repo.String()).String()+".")
}

func handleList(ctx context.Context, req *Request) error {
	subs, err := req.Services.Tracker.ListSubscriptions(ctx, req.FromID)
	if err != nil {
		req.Logger.Error("list subscriptions failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not read your subscriptions, try again later.")
	}
	return reply(ctx, req, listHTML(subs))
}

func handleInterval(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return reply(ctx, req, "Usage: <code>/interval owner/name 12</code> (hours)")
	}
	repo, err := parseRepoSpec(req.Args[0])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}
	hours, err := parseHours(req.Args[1])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}

	err = req.Services.Tracker.SetInterval(ctx, req.FromID, repo, hours)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return reply(ctx, req, "You are not watching "+tgui.Code(repo.String()).String()+". Add it first with <code>/add</code>.")
	case err != nil:
		req.Logger.Error("set interval failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not change the interval, try again later.")
	}
	return reply(ctx, req, fmt.Sprintf("⏱ %s is now polled for you every %dh. The repository itself is polled at the fastest interval among its watchers.", tgui.Code(repo.String()).String(), hours))
}

func handleCheck(ctx context.Context, req *Request) error {
	force := req.BoolFlags["force"] || req.BoolFlags["f"]
	args := req.Args
	// "/check --force owner/name": the generic flag parser takes the repo
	// as the flag's value, so fold it back into the positionals.
	for _, k := range []string{"force", "f"} {
		if v, ok := req.Flags[k]; ok {
			force = true
			if v != "" {
				args = append([]string{v}, args...)
			}
		}
	}

	var repoPtr *release.Repo
	if len(args) >= 1 {
		repo, err := parseRepoSpec(args[0])
		if err != nil {
			return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
		}
		repoPtr = &repo
	}

	results, err := req.Services.Tracker.CheckNow(ctx, req.FromID, repoPtr, force)
	switch {
	case errors.Is(err, store.ErrNotFound) && repoPtr != nil:
		return reply(ctx, req, "You are not watching "+tgui.Code(repoPtr.String()).String()+".")
	case err != nil:
		req.Logger.Error("check now failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Check failed, try again later.")
	}
	return reply(ctx, req, checkResultsHTML(results))
}

func handleToken(ctx context.Context, req *Request) error {
	// The message holds a secret: delete it whatever happens below.
	defer deleteRequestMessage(req)

	if m := req.Update.Message; m != nil && m.IsGroup {
		return reply(ctx, req, "🔒 Tokens are accepted in a private chat with the bot only. The message was deleted.")
	}
	if len(req.Args) < 2 {
		return reply(ctx, req, "Usage: <code>/token github ghp_...</code> or <code>/token gitlab glpat-...</code>")
	}
	platform, err := release.ParsePlatform(req.Args[0])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}
	token := strings.TrimSpace(req.Args[1])
	if token == "" {
		return reply(ctx, req, "⚠️ Token value is empty.")
	}

	if err := req.Services.Credentials.Set(ctx, req.FromID, platform, token); err != nil {
		req.Logger.Error("token save failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not save the token, try again later.")
	}
	// A fresh token clears any earlier rejection of this subscriber+platform.
	req.Services.Tracker.ClearSuspect(req.FromID, platform)
	return reply(ctx, req, "🔑 "+tgui.Esc(platformBadge(platform)).String()+" token saved. It is used for your subscriptions on that platform. Your message was deleted.")
}

func handleDelToken(ctx context.Context, req *Request) error {
	if m := req.Update.Message; m != nil && m.IsGroup {
		return reply(ctx, req, "🔒 Token commands work in a private chat with the bot only.")
	}
	if len(req.Args) < 1 {
		return reply(ctx, req, "Usage: <code>/deltoken github</code> or <code>/deltoken gitlab</code>")
	}
	platform, err := release.ParsePlatform(req.Args[0])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}

	err = req.Services.Credentials.Delete(ctx, req.FromID, platform)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return reply(ctx, req, "No stored "+tgui.Esc(platformBadge(platform)).String()+" token for you.")
	case err != nil:
		req.Logger.Error("token delete failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not delete the token, try again later.")
	}
	req.Services.Tracker.ClearSuspect(req.FromID, platform)
	return reply(ctx, req, "🗑 "+tgui.Esc(platformBadge(platform)).String()+" token deleted. Polling falls back to the shared token or anonymous access.")
}

func handleExport(ctx context.Context, req *Request) error {
	snap, err := req.Services.Tracker.ExportSnapshot(ctx)
	if err != nil {
		req.Logger.Error("export failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Export failed, try again later.")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	name := "relbot-export-" + time.Now().UTC().Format("20060102-150405") + ".json"
	caption := fmt.Sprintf("%d subscriptions, exported %s", len(snap.Subscriptions), snap.ExportedAt.UTC().Format("2006-01-02 15:04 UTC"))
	_, err = req.Adapter.SendDocument(ctx, req.Chat, kit.Document{
		Name:    name,
		MIME:    "application/json",
		Caption: caption,
		Data:    data,
	})
	if err != nil {
		req.Logger.Error("export document send failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not send the export document.")
	}
	return nil
}

func handleImport(ctx context.Context, req *Request) error {
	m := req.Update.Message
	if m == nil || m.Document == nil {
		return reply(ctx, req, "Attach the export file and put <code>/import</code> in its caption.")
	}
	if m.Document.Size > importMaxBytes {
		return reply(ctx, req, fmt.Sprintf("⚠️ Document too large (%s, limit %s).", humanSize(m.Document.Size), humanSize(importMaxBytes)))
	}

	data, err := req.Adapter.FetchDocument(ctx, m.Document.FileID, importMaxBytes)
	if err != nil {
		req.Logger.Error("import download failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Could not download the document.")
	}

	var snap store.Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return reply(ctx, req, "⚠️ Not a valid export document: "+tgui.Esc(err.Error()).String())
	}

	if err := req.Services.Tracker.ImportSnapshot(ctx, &snap); err != nil {
		req.Logger.Error("import failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Import failed: "+tgui.Esc(err.Error()).String())
	}
	return reply(ctx, req, fmt.Sprintf("📥 Imported %d subscriptions. The previous state was fully replaced and the schedule re-derived.", len(snap.Subscriptions)))
}

func handleStatus(ctx context.Context, req *Request) error {
	st := req.Services.Tracker.Status(ctx)
	var supers map[string]*Supervisor
	if req.Services.RuntimeSupervisors != nil {
		supers = req.Services.RuntimeSupervisors.Snapshot()
	}
	var events []eventbus.Event
	if req.Services.Events != nil {
		events = req.Services.Events.Recent()
	}
	return reply(ctx, req, statusHTML(st, supers, events))
}

func handleCheckRepo(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return reply(ctx, req, "Usage: <code>/checkrepo owner/name</code>")
	}
	repo, err := parseRepoSpec(req.Args[0])
	if err != nil {
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}

	res, err := req.Services.Tracker.CheckRepo(ctx, repo)
	if err != nil {
		// Covers the no-watchers case; the text is operator-facing.
		return reply(ctx, req, "⚠️ "+tgui.Esc(err.Error()).String())
	}
	return reply(ctx, req, checkResultsHTML([]tracker.CheckResult{res}))
}

func handleBackup(ctx context.Context, req *Request) error {
	if req.Services.Backup == nil {
		return reply(ctx, req, "Backups are not configured.")
	}
	path, err := req.Services.Backup.RunOnce(ctx)
	if err != nil {
		req.Logger.Error("manual backup failed", logx.Err(err))
		return reply(ctx, req, "⚠️ Backup failed: "+tgui.Esc(err.Error()).String())
	}
	return reply(ctx, req, "💾 Backup written to "+tgui.Code(path).String()+".")
}

func handleUnsubCallback(ctx context.Context, req *Request, payload string, sink *NoteSink) error {
	resolved, ok := sink.ResolvePayload(payload)
	if !ok {
		return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "Button expired — use /remove instead.")
	}
	repo, err := parseRepoRef(resolved)
	if err != nil {
		req.Logger.Warn("malformed unsub payload", logx.String("payload", resolved))
		return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "Malformed button data.")
	}

	err = req.Services.Tracker.RemoveSubscription(ctx, req.FromID, repo)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "You are not watching "+repo.Slug()+".")
	case err != nil:
		req.Logger.Error("unsub callback failed", logx.Err(err))
		return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "Failed, try /remove.")
	}
	return req.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "🔕 Stopped watching "+repo.Slug()+".")
}

// deleteRequestMessage removes the triggering message (used for /token).
// Runs on a fresh context so it still works when the handler timed out.
func deleteRequestMessage(req *Request) {
	m := req.Update.Message
	if m == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := req.Adapter.DeleteMessage(dctx, kit.MessageRef{ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.ID}); err != nil {
		req.Logger.Debug("request message not deleted", logx.Err(err))
	}
}
