package llm

import (
	"context"
	"sync"
)

// DefaultReplies are the offline replies for the built-in cases, keyed by state.
var DefaultReplies = map[string][]string{ //nolint:gochecknoglobals // read-only table
	"guarded": {
		"*shrugs* I'm fine. Just tired. Work's been busy.",
		"I don't really know why I'm here. The nurse made it sound like a big deal.",
		"*looks at the floor* It's nothing I can't handle.",
	},
	"disclosing": {
		"*long pause* Most days I just feel empty. Like there's no point getting up.",
		"Since Sam left it's been hard to see how anything gets better.",
		"Sometimes I think it would be easier not to wake up. *wipes eyes*",
	},
	"crisis": {
		"*voice flat* I've been saving them. I thought maybe this weekend.",
		"Part of me wanted someone to ask. I don't know if I want to go through with it.",
		"Maria would come, I think. If I called her.",
	},
	"withdrawn": {
		"*avoids eye contact* I'm managing.",
		"Coming here was my wife's idea.",
		"Not much to say, really.",
	},
	"opening_up": {
		"Fourteen years, and they let me go in a fifteen-minute meeting.",
		"I still put on the suit some mornings. *rubs his face* Ridiculous, I know.",
		"I feel like a failure. I let them down.",
	},
	"ideation": {
		"*quietly* Sometimes I think they'd be better off with the insurance money.",
		"I don't have a plan. I just think about not waking up.",
		"It's a relief you asked, honestly.",
	},
	"safety_plan": {
		"Okay. Elaine can hold on to the tablets. And I'll call Tom.",
	},
}

const fallbackReply = "*pauses* I'm not sure what to say."

// Scripted replies from a fixed table, cycling per state. It stands in for the
// model in offline runs and tests.
type Scripted struct {
	replies map[string][]string

	mu    sync.Mutex
	calls int
}

// NewScripted uses replies keyed by state id; nil selects DefaultReplies.
func NewScripted(replies map[string][]string) *Scripted {
	if replies == nil {
		replies = DefaultReplies
	}
	return &Scripted{replies: replies}
}

// Generate returns the reply for the call's state and turn index.
func (s *Scripted) Generate(ctx context.Context, call Call) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	lines := s.replies[call.State]
	if len(lines) == 0 {
		return fallbackReply, nil
	}
	return lines[call.TurnIndex%len(lines)], nil
}

// Calls returns the number of Generate calls served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
