package bot

import (
	"encoding/json"
	"strconv"
	"strings"

	"lookupbot/internal/broadcast"
	"lookupbot/internal/lookup"
	"lookupbot/internal/quota"
)

const msgServiceDown = "⚠️ Service temporarily unavailable, try again later."

var bootSteps = []string{
	"🔐 Secure channel initialized…",
	"🔐 Secure channel initialized…\n🧠 Lookup modules online",
	"🔐 Secure channel initialized…\n🧠 Lookup modules online\n🗄️ Database synchronized",
	"🔐 Secure channel initialized…\n🧠 Lookup modules online\n🗄️ Database synchronized\n🚀 System ready for query",
}

func welcomeText(userID int64, bal quota.Balance) string {
	var b strings.Builder
	b.WriteString("👁️ *Number Lookup* 👁️\n\n")
	b.WriteString("👤 *UserID:* `")
	b.WriteString(strconv.FormatInt(userID, 10))
	b.WriteString("`\n💳 *Credits:* `")
	b.WriteString(balanceText(bal))
	b.WriteString("`\n\n")
	b.WriteString("💡 Send a number to fetch details\n\n")
	b.WriteString("• Number (without +91)\n")
	b.WriteString("• Name / Address\n")
	b.WriteString("• Operator / Circle\n")
	b.WriteString("• Alt Numbers")
	return b.String()
}

func balanceText(bal quota.Balance) string {
	if bal.Unlimited {
		return "Unlimited"
	}
	return strconv.Itoa(bal.Credits)
}

func searchResultText(res *lookup.SearchResult) string {
	pretty, err := json.MarshalIndent(res.Records, "", "  ")
	if err != nil {
		pretty = []byte("[]")
	}

	remaining := strconv.Itoa(res.Receipt.Remaining)
	if res.Receipt.Unlimited {
		remaining = "Unlimited"
	}

	var b strings.Builder
	b.WriteString("✅ Search successful\n")
	b.WriteString("💳 Remaining credits: ")
	b.WriteString(remaining)
	b.WriteString("\n\n```json\n")
	b.Write(pretty)
	b.WriteString("\n```")
	return b.String()
}

// progressText renders a broadcast snapshot with a completion bar.
// The ratio is computed against Total but clamped: Total is an estimate of
// a live population, sent+failed is the real signal.
func progressText(p broadcast.Progress) string {
	done := p.Sent + p.Failed
	ratio := 0.0
	if p.Total > 0 {
		ratio = float64(done) / float64(p.Total)
	}
	if ratio > 1 {
		ratio = 1
	}
	if p.State == broadcast.StateFinished {
		ratio = 1
	}

	var b strings.Builder
	switch p.State {
	case broadcast.StateRunning:
		b.WriteString("📢 Broadcasting…\n")
	case broadcast.StateCancelled:
		b.WriteString("🛑 Broadcast cancelled\n")
	case broadcast.StateFinished:
		b.WriteString("✅ Broadcast finished\n")
	default:
		b.WriteString("📢 Broadcast\n")
	}
	b.WriteString(progressBar(ratio, 10))
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(int(ratio * 100)))
	b.WriteString("%\n")
	b.WriteString("✔ ")
	b.WriteString(strconv.Itoa(p.Sent))
	b.WriteString("  ✖ ")
	b.WriteString(strconv.Itoa(p.Failed))
	b.WriteString("  of ~")
	b.WriteString(strconv.Itoa(p.Total))
	return b.String()
}

func progressBar(ratio float64, width int) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(width))
	return strings.Repeat("▓", filled) + strings.Repeat("░", width-filled)
}
