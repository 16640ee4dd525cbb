// Package prompt assembles bounded generation requests.
//
// Assemble is a pure function of (persona, state, rapport, facts, recent
// window, utterance): the context window never grows with the transcript.
// When the token budget is exceeded, older exchanges are dropped first and
// then the lowest-ranked facts, always whole.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/okian/patientsim/internal/domain/casedef"
	"github.com/okian/patientsim/internal/domain/rapport"
)

// ErrContextOverflow is returned when the fixed sections alone exceed the budget.
var ErrContextOverflow = errors.New("context window overflow")

// Roles of chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// perMessageOverhead approximates the framing tokens of each chat message.
const perMessageOverhead = 4

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Exchange is a past trainee/patient pair.
type Exchange struct {
	Trainee string
	Patient string
}

// Counter counts tokens.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(string) int

// Count calls f.
func (f CounterFunc) Count(s string) int { return f(s) }

// Budget bounds the assembled request.
type Budget struct {
	MaxTokens int
	// MaxTurns is the fixed size of the recent exchange window.
	MaxTurns int
}

// Input is everything the request is built from.
type Input struct {
	Persona casedef.Persona
	State   casedef.State
	Level   rapport.Level
	// Facts are ordered best first.
	Facts       []casedef.Fact
	History     []Exchange
	Utterance   string
	Temperature float64
}

// Request is a ready-to-send generation request.
type Request struct {
	Messages    []Message `json:"messages"`
	Facts       []string  `json:"facts"`
	TokenCount  int       `json:"token_count"`
	Omitted     int       `json:"omitted"`
	Temperature float64   `json:"temperature"`
}

// System returns the content of the leading system message.
func (r Request) System() string {
	if len(r.Messages) == 0 || r.Messages[0].Role != RoleSystem {
		return ""
	}
	return r.Messages[0].Content
}

// Assemble builds the request for in within b.
func Assemble(in Input, b Budget, counter Counter) (Request, error) {
	cost := func(s string) int { return counter.Count(s) + perMessageOverhead }

	system := SystemSection(in.Persona, in.State, in.Level)
	fixed := cost(system) + cost(in.Utterance)

	window := in.History
	omitted := 0
	if b.MaxTurns >= 0 && len(window) > b.MaxTurns {
		omitted = len(window) - b.MaxTurns
		window = window[omitted:]
	}

	facts := in.Facts
	for {
		total := fixed + historyCost(window, cost) + factsCost(facts, cost)
		if omitted > 0 {
			total += cost(omittedNote(omitted))
		}
		if total <= b.MaxTokens {
			return build(in, system, facts, window, omitted, total), nil
		}
		switch {
		case len(window) > 0:
			window = window[1:]
			omitted++
		case len(facts) > 0:
			facts = facts[:len(facts)-1]
		default:
			return Request{}, fmt.Errorf("%w: %d fixed tokens, budget %d", ErrContextOverflow, total, b.MaxTokens)
		}
	}
}

func build(in Input, system string, facts []casedef.Fact, window []Exchange, omitted, total int) Request {
	msgs := []Message{{Role: RoleSystem, Content: system}}
	ids := make([]string, 0, len(facts))
	if len(facts) > 0 {
		msgs = append(msgs, Message{Role: RoleSystem, Content: factsSection(facts)})
		for _, f := range facts {
			ids = append(ids, f.ID)
		}
	}
	if omitted > 0 {
		msgs = append(msgs, Message{Role: RoleSystem, Content: omittedNote(omitted)})
	}
	for _, ex := range window {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: ex.Trainee},
			Message{Role: RoleAssistant, Content: ex.Patient},
		)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: in.Utterance})
	return Request{Messages: msgs, Facts: ids, TokenCount: total, Omitted: omitted, Temperature: in.Temperature}
}

func historyCost(window []Exchange, cost func(string) int) int {
	n := 0
	for _, ex := range window {
		n += cost(ex.Trainee) + cost(ex.Patient)
	}
	return n
}

// factsCost counts the facts section as one message.
func factsCost(facts []casedef.Fact, cost func(string) int) int {
	if len(facts) == 0 {
		return 0
	}
	return cost(factsSection(facts))
}

func omittedNote(n int) string {
	return fmt.Sprintf("[%d earlier exchanges omitted from this window; stay consistent with the case facts above]", n)
}

func factsSection(facts []casedef.Fact) string {
	var sb strings.Builder
	sb.WriteString("ESTABLISHED FACTS (never contradict these; reveal them only when it fits naturally):\n")
	for _, f := range facts {
		sb.WriteString("- ")
		sb.WriteString(f.Text)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SystemSection renders persona, hidden state and rapport into the system prompt.
func SystemSection(p casedef.Persona, s casedef.State, l rapport.Level) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a %d-year-old %s patient in a clinical interview.\n\n",
		p.Name, p.Age, strings.ToLower(p.Gender))
	if p.Diagnosis != "" {
		fmt.Fprintf(&sb, "DIAGNOSIS: %s\n", p.Diagnosis)
	}
	if p.Background != "" {
		fmt.Fprintf(&sb, "BACKGROUND: %s\n", p.Background)
	}
	if p.SessionContext != "" {
		fmt.Fprintf(&sb, "SESSION CONTEXT: %s\n", p.SessionContext)
	}

	sb.WriteString("\nPERSONALITY TRAITS:\n")
	sb.WriteString(bullets(TraitDescriptions(p.Traits), "Generally typical emotional and social patterns"))

	sb.WriteString("\n\nDISORDER-SPECIFIC SYMPTOMS:\n")
	sb.WriteString(bullets(SymptomDescriptions(p.Diagnosis, p.Traits), "Mild or well-managed symptoms"))

	sb.WriteString("\n\nCURRENT PRESENTATION:\n")
	if s.Description != "" {
		fmt.Fprintf(&sb, "- %s\n", s.Description)
	}
	sb.WriteString(bullets(s.Payload, "No notable change in presentation"))

	sb.WriteString("\n\nCURRENT EMOTIONAL STATE:\n")
	fmt.Fprintf(&sb, "- Rapport with interviewer: %s\n", rapport.RapportBand(l.Rapport))
	fmt.Fprintf(&sb, "- Openness level: %s\n", rapport.OpennessBand(l.Openness))

	sb.WriteString("\nRESPONSE GUIDELINES:\n")
	for i, g := range guidelines {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.ReplaceAll(g, "{name}", p.Name))
	}
	return strings.TrimRight(sb.String(), "\n")
}

var guidelines = []string{
	"Stay completely in character as {name}",
	"Show symptoms through behavior, not by naming them",
	"Let your traits and current rapport shape how much you share",
	"Do not be artificially cooperative; show resistance or confusion when it fits",
	"Never invent biographical facts beyond those established",
	"Non-verbal behavior may be written as *stage directions*",
	"Keep responses conversational, usually 2-4 sentences",
}

func bullets(lines []string, empty string) string {
	if len(lines) == 0 {
		return "- " + empty
	}
	return "- " + strings.Join(lines, "\n- ")
}

type traitRule struct {
	trait string
	above bool
	limit float64
	text  string
}

// traitRules are evaluated in order; at most one description per trait.
var traitRules = []traitRule{
	{"emotional_intensity", true, 7, "Your emotions are very intense and overwhelming"},
	{"emotional_intensity", false, 3, "You tend to feel emotionally numb or disconnected"},
	{"mood_stability", false, 3, "Your mood changes rapidly and unpredictably"},
	{"trust_level", false, 4, "You have difficulty trusting others, including clinicians"},
	{"attachment_anxiety", true, 7, "You fear abandonment and rejection intensely"},
	{"catastrophic_thinking", true, 7, "You tend to imagine worst-case scenarios"},
	{"self_criticism", true, 7, "You are very hard on yourself and self-critical"},
	{"social_withdrawal", true, 7, "You have pulled away from friends and family"},
	{"verbal_expressiveness", false, 4, "You tend to give short, minimal responses"},
	{"verbal_expressiveness", true, 7, "You tend to be very talkative and expressive"},
	{"defensiveness", true, 7, "You become defensive easily when challenged"},
}

// symptomRules holds the disorder-specific descriptors, keyed by a lower-case
// fragment of the diagnosis. The first matching family is used.
var symptomRules = []struct {
	match string
	rules []traitRule
}{
	{"borderline", []traitRule{
		{"abandonment_sensitivity", true, 6, "Intense fear of being abandoned or rejected"},
		{"identity_instability", true, 6, "Uncertain about who you are and what you want"},
		{"impulsivity", true, 6, "Tendency to act impulsively when distressed"},
	}},
	{"depress", []traitRule{
		{"hopelessness", true, 6, "Feeling hopeless about the future"},
		{"energy_level", false, 4, "Very low energy and motivation"},
		{"anhedonia", true, 6, "Little interest or pleasure in activities you used to enjoy"},
	}},
	{"anxiety", []traitRule{
		{"worry_intensity", true, 6, "Constant, intense worrying about many things"},
		{"physical_anxiety", true, 6, "Physical symptoms of anxiety such as tension and a racing heart"},
		{"perfectionism", true, 7, "Very high standards and fear of making mistakes"},
	}},
}

// TraitDescriptions renders declared traits that cross a descriptor threshold.
func TraitDescriptions(traits map[string]float64) []string {
	return describe(traitRules, traits)
}

// SymptomDescriptions renders the symptom descriptors of the diagnosis
// family. An unrecognized diagnosis yields none.
func SymptomDescriptions(diagnosis string, traits map[string]float64) []string {
	d := strings.ToLower(diagnosis)
	for _, fam := range symptomRules {
		if strings.Contains(d, fam.match) {
			return describe(fam.rules, traits)
		}
	}
	return nil
}

func describe(rules []traitRule, traits map[string]float64) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range rules {
		v, ok := traits[r.trait]
		if !ok || seen[r.trait] {
			continue
		}
		if (r.above && v > r.limit) || (!r.above && v < r.limit) {
			out = append(out, r.text)
			seen[r.trait] = true
		}
	}
	return out
}

var stageDirection = regexp.MustCompile(`\*[^*\n]+\*`)

// StripStageDirections removes *action* spans and tidies the whitespace left behind.
func StripStageDirections(text string) string {
	out := stageDirection.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(out), " ")
}
