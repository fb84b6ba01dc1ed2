package pipeline

import (
	"errors"
	"fmt"

	pongo2 "github.com/flosch/pongo2/v6"

	"github.com/bdobrica/Kaden/internal/kaden/catalog"
	"github.com/bdobrica/Kaden/internal/kaden/llm"
)

// Fixed replies for failures. Provider failures never leak the backend's
// own error text.
const (
	RateLimitMessage       = "⏳ You are sending requests faster than I can handle. Please wait a minute and try again."
	APIRateLimitMessage    = "⏳ The language model is rate-limiting me right now. Please try again in a moment."
	AuthMessage            = "🔑 The language model rejected my credentials. An administrator needs to check the configured API key."
	TimeoutMessage         = "⌛ The language model took too long to answer. Please try again."
	MalformedOutputMessage = "🤔 I could not make sense of the language model's answer. Please rephrase your request."
	UpstreamMessage        = "⚠️ The language model is unavailable right now. Please try again later."
	CatalogUnavailable     = "⚠️ I cannot reach Home Assistant to read your devices. Please try again later."
	StoreFailureMessage    = "⚠️ The automation was valid but I could not save it. Nothing was written; please try again."
	CancelledMessage       = "OK, I dropped that request."
	CancelledDuringWork    = "The request was cancelled; the automation I was preparing has been discarded."
	TimedOutNotice         = "Your previous request was waiting too long and has been discarded."
	CancelledNotice        = "Your previous request was cancelled."
	InternalFailureMessage = "⚠️ Something went wrong while handling your request. Please try again."
	SynthesisRetryHint     = "Say \"try again\" to retry with what you already told me, or rephrase the request."
)

const defaultReplyLanguage = "en"

// failureMessage maps a provider or catalog failure to its user-facing text.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return APIRateLimitMessage
	case errors.Is(err, llm.ErrAuth):
		return AuthMessage
	case errors.Is(err, llm.ErrTimeout):
		return TimeoutMessage
	case errors.Is(err, llm.ErrMalformedOutput):
		return MalformedOutputMessage
	case errors.Is(err, llm.ErrUpstream):
		return UpstreamMessage
	case errors.Is(err, catalog.ErrUnavailable):
		return CatalogUnavailable
	}
	return InternalFailureMessage
}

// replyTemplates holds the longer replies per language.
var replyTemplates = map[string]map[string]string{
	"en": {
		"help": `I turn plain sentences into Home Assistant automations. Try for example:
- Turn on the kitchen lights at 6 AM every weekday
- Switch off the TV at midnight
- Turn on the porch light 30 minutes before sunset
- When the front door opens, turn on the hall light
Say "list entities" to see the devices I know about, or "cancel" to drop a request in progress.`,
		"entities": `I know about {{ count }} entities:
{{ digest }}{% if areas %}Areas:
{{ areas }}{% endif %}`,
		"created": `✅ Created "{{ alias }}" (id {{ id }}).{% for w in warnings %}
⚠️ {{ w }}{% endfor %}
Please review it:
{{ yaml }}`,
		"preview": `Here is the automation I would create for "{{ alias }}". Nothing was saved.{% for w in warnings %}
⚠️ {{ w }}{% endfor %}
{{ yaml }}`,
		"invalid": `❌ I could not produce a valid automation. These problems remained:{% for i in issues %}
- {{ i }}{% endfor %}
Please rephrase the request, naming the devices as they appear in Home Assistant.`,
	},
	"he": {
		"help": `אני הופך משפטים רגילים לאוטומציות של Home Assistant. נסו למשל:
- הדלק את האור במטבח בשש בבוקר בימי חול
- כבה את הטלוויזיה בחצות
אמרו "רשימת מכשירים" כדי לראות את המכשירים שאני מכיר, או "ביטול" כדי לבטל בקשה.`,
		"entities": `אני מכיר {{ count }} ישויות:
{{ digest }}{% if areas %}אזורים:
{{ areas }}{% endif %}`,
		"created": `✅ נוצרה האוטומציה "{{ alias }}" (מזהה {{ id }}).{% for w in warnings %}
⚠️ {{ w }}{% endfor %}
אנא בדקו אותה:
{{ yaml }}`,
		"preview": `זו האוטומציה שהייתי יוצר עבור "{{ alias }}". דבר לא נשמר.{% for w in warnings %}
⚠️ {{ w }}{% endfor %}
{{ yaml }}`,
		"invalid": `❌ לא הצלחתי ליצור אוטומציה תקינה. הבעיות שנותרו:{% for i in issues %}
- {{ i }}{% endfor %}
נסו לנסח מחדש, עם שמות המכשירים כפי שהם מופיעים ב-Home Assistant.`,
	},
}

var replies = compileReplies()

func compileReplies() map[string]map[string]*pongo2.Template {
	out := make(map[string]map[string]*pongo2.Template, len(replyTemplates))
	for lang, set := range replyTemplates {
		out[lang] = make(map[string]*pongo2.Template, len(set))
		for name, src := range set {
			out[lang][name] = pongo2.Must(pongo2.FromString("{% autoescape off %}" + src + "{% endautoescape %}"))
		}
	}
	return out
}

func render(lang, name string, data pongo2.Context) (string, error) {
	t, ok := replies[lang][name]
	if !ok {
		t = replies[defaultReplyLanguage][name]
	}
	out, err := t.Execute(data)
	if err != nil {
		return "", fmt.Errorf("pipeline: render %s reply: %w", name, err)
	}
	return out, nil
}
