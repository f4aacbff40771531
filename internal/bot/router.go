// Package bot is the chat-facing surface: command routing, the search
// entry point, and reply formatting.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"

	"lookupbot/internal/broadcast"
	"lookupbot/internal/grant"
	"lookupbot/internal/lookup"
	"lookupbot/internal/quota"
	kit "lookupbot/internal/transport"
	logx "lookupbot/pkg/logx"
)

// Registry is the protected-term admin surface.
type Registry interface {
	AddProtected(ctx context.Context, term string) error
	RemoveProtected(ctx context.Context, term string) error
	ListProtected(ctx context.Context) ([]string, error)
}

type handlerFunc func(ctx context.Context, msg *kit.Message, args []string)

type command struct {
	adminOnly bool
	handle    handlerFunc
}

type Router struct {
	adapter  kit.Adapter
	ledger   *quota.Ledger
	gate     *lookup.Gate
	registry Registry
	bcast    *broadcast.Service
	grants   *grant.Service
	log      logx.Logger

	adminMu sync.RWMutex
	admins  map[int64]bool

	// pending tracks admins whose next message is the broadcast payload.
	pendingMu sync.Mutex
	pending   map[int64]bool

	commands map[string]command
	wg       sync.WaitGroup
}

func NewRouter(
	adapter kit.Adapter,
	ledger *quota.Ledger,
	gate *lookup.Gate,
	registry Registry,
	bcast *broadcast.Service,
	grants *grant.Service,
	adminIDs []int64,
	log logx.Logger,
) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		adapter:  adapter,
		ledger:   ledger,
		gate:     gate,
		registry: registry,
		bcast:    bcast,
		grants:   grants,
		log:      log,
		admins:   map[int64]bool{},
		pending:  map[int64]bool{},
	}
	r.SetAdmins(adminIDs)
	r.commands = map[string]command{
		"start":     {handle: r.cmdStart},
		"add":       {adminOnly: true, handle: r.cmdAdd},
		"remove":    {adminOnly: true, handle: r.cmdRemove},
		"unlimited": {adminOnly: true, handle: r.cmdUnlimited},
		"protect":   {adminOnly: true, handle: r.cmdProtect},
		"unprotect": {adminOnly: true, handle: r.cmdUnprotect},
		"protected": {adminOnly: true, handle: r.cmdProtectedList},
		"broadcast": {adminOnly: true, handle: r.cmdBroadcast},
		"cancel":    {adminOnly: true, handle: r.cmdCancel},
		"status":    {adminOnly: true, handle: r.cmdStatus},
		"grantnow":  {adminOnly: true, handle: r.cmdGrantNow},
	}
	return r
}

// SetAdmins replaces the administrator allowlist (used on config reload).
func (r *Router) SetAdmins(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	r.adminMu.Lock()
	r.admins = m
	r.adminMu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.adminMu.RLock()
	defer r.adminMu.RUnlock()
	return r.admins[id]
}

// Run consumes updates until the channel closes or ctx is cancelled. Each
// update is handled in its own goroutine so a slow upstream fetch never
// blocks other users.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case up, ok := <-updates:
			if !ok {
				r.wg.Wait()
				return
			}
			if up.Message == nil {
				continue
			}
			msg := up.Message
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in update handler",
							logx.Int64("user", msg.FromID),
							logx.Any("panic", rec),
							logx.String("stack", string(debug.Stack())))
					}
				}()
				r.handleMessage(ctx, msg)
			}()
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, msg, text)
		return
	}

	// An admin who started a broadcast supplies the payload as the next
	// plain message (text or photo).
	if r.takePending(msg.FromID) {
		r.handleBroadcastPayload(ctx, msg)
		return
	}

	if msg.Media != nil {
		// Non-command media from regular users has no meaning here.
		return
	}
	if text == "" {
		return
	}

	r.handleSearch(ctx, msg, text)
}

func (r *Router) handleCommand(ctx context.Context, msg *kit.Message, text string) {
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	// Strip the "@botname" suffix Telegram appends in groups.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)

	cmd, ok := r.commands[name]
	if !ok {
		return
	}
	if cmd.adminOnly && !r.isAdmin(msg.FromID) {
		// Admin commands are invisible to regular users.
		return
	}
	cmd.handle(ctx, msg, fields[1:])
}

func (r *Router) takePending(id int64) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if !r.pending[id] {
		return false
	}
	delete(r.pending, id)
	return true
}

func (r *Router) setPending(id int64, v bool) {
	r.pendingMu.Lock()
	if v {
		r.pending[id] = true
	} else {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()
}

// reply sends best-effort; chat errors are logged, never propagated.
func (r *Router) reply(ctx context.Context, msg *kit.Message, text string) {
	r.replyOpt(ctx, msg, text, nil)
}

func (r *Router) replyOpt(ctx context.Context, msg *kit.Message, text string, opt *kit.SendOptions) {
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, text, opt); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}
