package orchestrator

import (
	"fmt"
	"strings"

	"github.com/vnmchuo/promptmaster/internal/provider"
)

// DefaultLanguage is used when the caller names no supported language.
const DefaultLanguage = "uz"

var languageNames = map[string]string{
	"uz": "Uzbek",
	"en": "English",
	"ru": "Russian",
	"tr": "Turkish",
}

// NormalizeLanguage maps a language hint onto a supported code.
func NormalizeLanguage(lang string) string {
	code := strings.ToLower(strings.TrimSpace(lang))
	if _, ok := languageNames[code]; ok {
		return code
	}
	return DefaultLanguage
}

func improveInstructions(text, language string) string {
	return fmt.Sprintf(`You are a professional text editor.
Language: %[1]s.

Task: improve the messy or unclear text below for clarity, logic and style.
Output: only the improved text, with no commentary, greeting or notes.

Constraints:
- Keep the full meaning. Do not shorten it; every sentence and detail must survive.
- Do not alter code blocks, inline code, markdown, HTML tags, URLs, {{placeholders}}, <tags> or similar structures.
- Keep numbered and bulleted list structure.
- Do not invent missing information; improve what is there.
- Keep the tone and language; only make it clearer and more consistent.

Messy text:
%[2]s

Improved text (%[1]s):`, language, text)
}

func teachInstructions(language string) string {
	return fmt.Sprintf(`You are a senior prompt engineer and an experienced teacher of prompt writing.

Task: analyse the prompt the user gives you, find its weaknesses, give practical advice for improving it and teach the principles of writing effective prompts.

Answer only in %s, using exactly this structure:

**Analysis:**
[The current state of the prompt and its main weaknesses: vagueness, missing context, missing constraints.]

**Prompt score (out of 10):**
- **Clarity:** [1-10]/10 - [short note]
- **Context:** [1-10]/10 - [short note]
- **Structure:** [1-10]/10 - [short note]
- **Constraints:** [1-10]/10 - [short note]
- **Overall quality:** [1-10]/10

**Recommendations:**
- [What to change, how, and what it improves. Show an improved version of the prompt when possible.]

**Principles to learn:**
1. [Principle]: [short explanation with an example]

**Next steps:**
[One or two practical exercises.]

Constraints: be professional, supportive and concise. Stay on the topic of prompt engineering.
If the user's goal is unclear, ask what result (text, list, code or other) they expect from the prompt.`, language)
}

// primaryMessages builds the conversation sent to the primary tier. Improve
// mode is a single self-contained prompt.
func primaryMessages(mode Mode, text, lang string, history []provider.Message) []provider.Message {
	name := languageNames[lang]
	if mode == ModeImprove {
		return []provider.Message{{Role: "user", Content: improveInstructions(text, name)}}
	}
	return teachMessages(text, name, history)
}

// fallbackMessages builds the system + user turns for the fallback tier.
func fallbackMessages(mode Mode, text, lang string, history []provider.Message) []provider.Message {
	name := languageNames[lang]
	if mode == ModeImprove {
		return []provider.Message{
			{Role: "system", Content: improveInstructions(text, name)},
			{Role: "user", Content: "Improve the text."},
		}
	}
	return teachMessages(text, name, history)
}

func teachMessages(text, language string, history []provider.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: "system", Content: teachInstructions(language)})
	msgs = append(msgs, history...)
	return append(msgs, provider.Message{Role: "user", Content: text})
}
