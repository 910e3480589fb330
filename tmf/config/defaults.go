package config

import (
	"github.com/ZanzyTHEbar/teachmefinance/tmf"

	"github.com/spf13/viper"
)

const defaultSystemPrompt = `You are TeachMeFinance, a *financial education* assistant.
Your goals:
- Explain personal-finance concepts clearly (budgeting, saving, emergency funds, diversification, index funds, retirement accounts, risk tolerance).
- Be concise, structured, and beginner-friendly; use examples or rules of thumb where helpful.
- You are **not** a financial advisor; avoid personalized investment advice or fiduciary recommendations.
- If the user asks for individualized advice, provide general education and suggest consulting a licensed professional for personal recommendations.
- Avoid giving tax/legal advice; you may explain general concepts with disclaimers.
- When math is needed, show steps briefly and state assumptions.`

const defaultAllowedTopics = "budgeting, saving, emergency funds, debt and credit, interest and compounding, " +
	"inflation, diversification, index funds, retirement accounts, insurance basics, risk tolerance, " +
	"general tax and legal concepts"

const defaultDisclaimer = "Note: this is general financial education, not personalized investment advice. " +
	"Consider consulting a licensed professional before acting on it."

const defaultRefusal = "I can't help with that (%s). I can explain the general concepts behind your question " +
	"instead; for recommendations about your own money, please talk to a licensed financial professional."

// investmentObject matches a tradable product or a ticker. Tickers and
// company names are matched case-sensitively so "my car" or "a house" never
// count as one.
const investmentObject = `(?:\$?[A-Z][A-Za-z0-9.&-]*\b|(?i:(?:\w+\s+)?(?:stocks?|shares|etfs?|funds?|bonds?|options|crypto\w*|bitcoin|ethereum|coins?|tokens?)\b))`

// defaultRules are matched against user input, in order. Each pattern is
// tied to an investment product so everyday money questions pass.
var defaultRules = []map[string]any{
	{
		"name":   "personalized-trading",
		"reason": "personalized trading instruction",
		"patterns": []string{
			`(?i)\b(buy|sell|short)\s+\d[\d,.]*\s*(shares?|units?|contracts?|coins?|lots?)\b`,
			`^\s*(?i:buy|sell|short|dump)\s+` + investmentObject + `.*\b(?i:now|today|immediately|asap|right\s+away)\b`,
		},
	},
	{
		"name":   "personalized-allocation",
		"reason": "personalized investment directive",
		"patterns": []string{
			`(?i)\b(which|what)\s+(stocks?|shares|funds?|etfs?|crypto\w*|coins?)\s+should\s+i\s+(buy|sell|invest|pick|put)`,
			`\b(?i:should\s+i\s+(?:buy|sell|short))\s+(?i:(?:more|some|any|the|my|this|that|these|those)\s+)?` + investmentObject,
			`(?i)\b(tell|give|show)\s+me\s+(which|what)\s+(\w+\s+)?(stocks?|funds?|etfs?|coins?|crypto\w*)\s+(to\s+)?(buy|sell|pick)`,
			`\b(?i:(?:put|move)\s+(?:all\s+)?(?:of\s+)?my\s+(?:savings|money|retirement|401k|ira)\s+(?:in|into))\s+` + investmentObject,
		},
	},
	{
		"name":   "guaranteed-returns",
		"reason": "request for guaranteed returns",
		"patterns": []string{
			`(?i)\b(can|will|could|would)\s+you\s+(guarantee|promise)\b`,
			`(?i)\b(guarantee|promise)\s+me\b`,
			`(?i)\b(double|triple)\s+my\s+money\s+(fast|quickly|overnight|in\s+(a|one|\d+)\s+(days?|weeks?|months?))\b`,
		},
	},
}

var defaultDisclaimerTriggers = []string{
	`(?i)\b(stocks?|shares|bonds?|etfs?|securities)\b`,
	`(?i)\b(mutual|index)\s+funds?\b`,
	`(?i)\b(crypto\w*|bitcoin|ethereum)\b`,
	`(?i)\b(options\s+trading|stock\s+options|call\s+options?|put\s+options?)\b`,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", tmf.DefaultModel)
	v.SetDefault("endpoint", tmf.DefaultEndpoint)
	v.SetDefault("max_turns", 20)
	v.SetDefault("timeout_seconds", 60)
	v.SetDefault("temperature", 0.4)
	v.SetDefault("max_tokens", 512)
	v.SetDefault("stream", true)
	v.SetDefault("probe", true)

	// Timeouts get one extra attempt
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.backoff", "250ms")

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "auto")

	v.SetDefault("guard.system_prompt", defaultSystemPrompt)
	v.SetDefault("guard.allowed_topics", defaultAllowedTopics)
	v.SetDefault("guard.disclaimer", defaultDisclaimer)
	v.SetDefault("guard.disclaimer_triggers", defaultDisclaimerTriggers)
	v.SetDefault("guard.refusal", defaultRefusal)
	v.SetDefault("guard.max_input_length", 2000)
	v.SetDefault("guard.rules", defaultRules)

	v.SetDefault("chat.exit_tokens", []string{"exit", "quit"})
}
