package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"lookupbot/internal/broadcast"
	"lookupbot/internal/lookup"
	"lookupbot/internal/quota"
	kit "lookupbot/internal/transport"
	logx "lookupbot/pkg/logx"
)

func (r *Router) cmdStart(ctx context.Context, msg *kit.Message, _ []string) {
	bal, created, err := r.ledger.EnsureEnrolled(ctx, msg.FromID)
	if err != nil {
		r.log.Warn("enrollment failed", logx.Int64("user", msg.FromID), logx.Err(err))
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	if created {
		r.log.Info("user enrolled", logx.Int64("user", msg.FromID))
	}

	r.bootSequence(ctx, msg)
	r.replyOpt(ctx, msg, welcomeText(msg.FromID, bal), &kit.SendOptions{ParseMode: "Markdown"})
}

// bootSequence plays the short edited-message intro. Purely cosmetic;
// every step is best-effort.
func (r *Router) bootSequence(ctx context.Context, msg *kit.Message) {
	to := kit.ChatTarget{ChatID: msg.ChatID}
	ref, err := r.adapter.SendText(ctx, to, "🔄 Initializing…", nil)
	if err != nil {
		return
	}
	for _, step := range bootSteps {
		select {
		case <-ctx.Done():
			return
		case <-time.After(350 * time.Millisecond):
		}
		if err := r.adapter.EditText(ctx, ref, step, nil); err != nil {
			break
		}
	}
	time.Sleep(600 * time.Millisecond)
	_ = r.adapter.DeleteMessage(ctx, ref)
}

func (r *Router) handleSearch(ctx context.Context, msg *kit.Message, text string) {
	res, err := r.gate.Search(ctx, msg.FromID, text)
	if err != nil {
		r.reply(ctx, msg, searchErrorText(err))
		return
	}
	r.replyOpt(ctx, msg, searchResultText(res), &kit.SendOptions{ParseMode: "Markdown"})
}

func searchErrorText(err error) string {
	switch {
	case errors.Is(err, lookup.ErrInvalidTerm):
		return "❌ Invalid mobile number"
	case errors.Is(err, lookup.ErrProtected):
		return "❌ This number is protected and cannot be searched."
	case errors.Is(err, quota.ErrNoCredits):
		return "❌ No credits left\n💳 Buy more credits to continue"
	case errors.Is(err, lookup.ErrNoResults):
		return "❌ No data found"
	case errors.Is(err, lookup.ErrUpstream):
		return "⚠️ Lookup service is unavailable right now. Your credits were not touched, try again later."
	default:
		return msgServiceDown
	}
}

// ---- admin: credits ----

func (r *Router) cmdAdd(ctx context.Context, msg *kit.Message, args []string) {
	id, amt, ok := parseIDAmount(args)
	if !ok {
		r.reply(ctx, msg, "Usage: /add <user_id> <credits>")
		return
	}
	remaining, err := r.ledger.AdjustCredits(ctx, id, amt)
	if err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.reply(ctx, msg, "✅ Credits added (balance: "+strconv.Itoa(remaining)+")")
}

func (r *Router) cmdRemove(ctx context.Context, msg *kit.Message, args []string) {
	id, amt, ok := parseIDAmount(args)
	if !ok {
		r.reply(ctx, msg, "Usage: /remove <user_id> <credits>")
		return
	}
	remaining, err := r.ledger.AdjustCredits(ctx, id, -amt)
	if err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.reply(ctx, msg, "✅ Credits removed (balance: "+strconv.Itoa(remaining)+")")
}

func (r *Router) cmdUnlimited(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) != 2 {
		r.reply(ctx, msg, "Usage: /unlimited <user_id> on|off")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		r.reply(ctx, msg, "Usage: /unlimited <user_id> on|off")
		return
	}
	var on bool
	switch strings.ToLower(args[1]) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		r.reply(ctx, msg, "Usage: /unlimited <user_id> on|off")
		return
	}
	if err := r.ledger.SetUnlimited(ctx, id, on); err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	if on {
		r.reply(ctx, msg, "✅ Unlimited enabled")
	} else {
		r.reply(ctx, msg, "❌ Unlimited disabled")
	}
}

func parseIDAmount(args []string) (int64, int, bool) {
	if len(args) != 2 {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	amt, err := strconv.Atoi(args[1])
	if err != nil || amt <= 0 {
		return 0, 0, false
	}
	return id, amt, true
}

// ---- admin: protection list ----

func (r *Router) cmdProtect(ctx context.Context, msg *kit.Message, args []string) {
	term, ok := r.protectTerm(ctx, msg, args)
	if !ok {
		return
	}
	if err := r.registry.AddProtected(ctx, term); err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.reply(ctx, msg, "🔐 Number protected")
}

func (r *Router) cmdUnprotect(ctx context.Context, msg *kit.Message, args []string) {
	term, ok := r.protectTerm(ctx, msg, args)
	if !ok {
		return
	}
	if err := r.registry.RemoveProtected(ctx, term); err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.reply(ctx, msg, "🔓 Number unprotected")
}

// protectTerm normalizes the argument so the registry only ever holds
// canonical keys.
func (r *Router) protectTerm(ctx context.Context, msg *kit.Message, args []string) (string, bool) {
	if len(args) != 1 {
		r.reply(ctx, msg, "Usage: /protect <number>")
		return "", false
	}
	term, err := lookup.NormalizeTerm(args[0])
	if err != nil {
		r.reply(ctx, msg, "❌ Invalid mobile number")
		return "", false
	}
	return term, true
}

func (r *Router) cmdProtectedList(ctx context.Context, msg *kit.Message, _ []string) {
	terms, err := r.registry.ListProtected(ctx)
	if err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	if len(terms) == 0 {
		r.reply(ctx, msg, "No protected numbers.")
		return
	}
	r.reply(ctx, msg, "🔐 Protected numbers:\n"+strings.Join(terms, "\n"))
}

// ---- admin: broadcast ----

func (r *Router) cmdBroadcast(ctx context.Context, msg *kit.Message, _ []string) {
	job, err := r.bcast.Start(ctx)
	if err != nil {
		if errors.Is(err, broadcast.ErrJobActive) {
			r.reply(ctx, msg, "⚠️ A broadcast is already in progress. /cancel it first.")
			return
		}
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.setPending(msg.FromID, true)
	p := job.Progress()
	r.reply(ctx, msg, "📢 Broadcast to "+strconv.Itoa(p.Total)+" users.\nSend the content now (text or photo), or /cancel.")
}

func (r *Router) handleBroadcastPayload(ctx context.Context, msg *kit.Message) {
	payload := broadcast.Payload{Text: msg.Text}
	if msg.Media != nil {
		payload = broadcast.Payload{Media: msg.Media, Caption: msg.Text}
	}

	// One status message per job; progress edits land on it.
	to := kit.ChatTarget{ChatID: msg.ChatID}
	ref, err := r.adapter.SendText(ctx, to, "📢 Broadcasting…", nil)
	progress := func(p broadcast.Progress) {
		if err != nil {
			return
		}
		// Progress emission is best-effort by contract.
		_ = r.adapter.EditText(ctx, ref, progressText(p), nil)
	}

	if _, err := r.bcast.SupplyContent(ctx, payload, progress); err != nil {
		r.reply(ctx, msg, "⚠️ Broadcast is no longer active.")
	}
}

func (r *Router) cmdCancel(ctx context.Context, msg *kit.Message, _ []string) {
	r.setPending(msg.FromID, false)
	if err := r.bcast.Cancel(); err != nil {
		if errors.Is(err, broadcast.ErrNoActiveJob) {
			r.reply(ctx, msg, "Nothing to cancel.")
			return
		}
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.reply(ctx, msg, "🛑 Broadcast cancelled.")
}

func (r *Router) cmdStatus(ctx context.Context, msg *kit.Message, _ []string) {
	p, ok := r.bcast.Snapshot()
	if !ok {
		r.reply(ctx, msg, "No active broadcast.")
		return
	}
	r.reply(ctx, msg, progressText(p))
}

// ---- admin: grants ----

func (r *Router) cmdGrantNow(ctx context.Context, msg *kit.Message, _ []string) {
	stats, err := r.grants.RunNow(ctx)
	if err != nil {
		r.reply(ctx, msg, msgServiceDown)
		return
	}
	r.reply(ctx, msg, "🎁 Grant pass done: "+strconv.Itoa(stats.Granted)+" granted of "+strconv.Itoa(stats.Visited)+" visited")
}
