package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-voice-agent/internal/booking"
)

// Fixed lines.
const (
	SilencePrompt     = "I am sorry, I did not hear anything. If you need assistance, please let me know how I can help you."
	DelayApology      = "I'm sorry for the delay. How can I help you with your appointment today?"
	GenerationApology = "I'm sorry, I'm having trouble processing that right now. Could you please repeat that?"
	EmptyFallback     = "I'm sorry, I didn't catch that. How can I help you with your appointment today?"
	MalformedApology  = "I'm sorry, I didn't quite get those details. Could you say them again?"
	UnavailableReply  = "I'm having trouble reaching our scheduling system right now. Could you give me a moment and then try again?"
	UnknownToolReply  = "I'm sorry, I can't help with that over the phone. I can help you book an appointment."
)

func greeting(clinic, agent string) string {
	if agent == "" {
		return fmt.Sprintf("Hello, thank you for calling %s! How can I help you today?", clinic)
	}
	return fmt.Sprintf("Hello, thank you for calling %s. This is %s. How can I help you today?", clinic, agent)
}

// spokenField is how each missing prerequisite or argument is asked for.
var spokenField = map[string]string{
	booking.FieldPatient:   "your full name and date of birth",
	booking.FieldPhysician: "which doctor you'd like to see",
	booking.FieldDate:      "the date you'd like to come in",
	booking.FieldSlot:      "which of the available times you'd like",
	"full_name":            "your full name",
	"date_of_birth":        "your date of birth",
	"physician_name":       "the doctor's name",
	"selection":            "which option you'd like",
}

func missingReply(fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if s, ok := spokenField[f]; ok {
			parts = append(parts, s)
		} else {
			parts = append(parts, strings.ReplaceAll(f, "_", " "))
		}
	}
	return "Before I can do that, I need " + joinSpoken(parts, "and") + "."
}

// joinSpoken renders a, b and c as "a, b and c".
func joinSpoken(items []string, conj string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " " + conj + " " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " " + conj + " " + items[len(items)-1]
	}
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return "there"
}

func patientReply(p booking.Patient) string {
	if p.Created {
		return fmt.Sprintf("Thanks, %s. I've set up a new patient record for you. Which doctor would you like to see?", firstName(p.FullName))
	}
	return fmt.Sprintf("Thanks, %s. I found your record. Which doctor would you like to see?", firstName(p.FullName))
}

func physicianReply(p booking.Physician) string {
	return fmt.Sprintf("Great, %s it is. What date would you like to come in?", p.Name)
}

func candidateList(cands []booking.PhysicianCandidate) string {
	items := make([]string, 0, len(cands))
	for _, c := range cands {
		items = append(items, fmt.Sprintf("number %d, %s", c.Index, c.Name))
	}
	return joinSpoken(items, "or")
}

func ambiguousReply(cands []booking.PhysicianCandidate) string {
	return fmt.Sprintf("I found %d doctors with that name: %s. Which one would you like?", len(cands), candidateList(cands))
}

func invalidPhysicianSelectionReply(cands []booking.PhysicianCandidate) string {
	return fmt.Sprintf("Sorry, I didn't catch which doctor you meant. Was it %s?", candidateList(cands))
}

func physicianNotFoundReply(name string) string {
	if name == "" {
		return "I couldn't find that doctor. Could you tell me the doctor's name again?"
	}
	return fmt.Sprintf("I couldn't find a doctor named %s at our office. Could you check the name for me?", name)
}

func spokenDate(iso string) string {
	d, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return iso
	}
	return d.Format("Monday, January 2")
}

func slotList(slots []booking.Slot) string {
	items := make([]string, 0, len(slots))
	for _, s := range slots {
		items = append(items, fmt.Sprintf("option %d, %s", s.Index, s.Label))
	}
	return joinSpoken(items, "or")
}

func slotsReply(physician, date string, slots []booking.Slot) string {
	if len(slots) == 1 {
		return fmt.Sprintf("On %s, %s has one opening at %s. Would you like that time?", spokenDate(date), physician, slots[0].Label)
	}
	return fmt.Sprintf("On %s, %s has %d openings: %s. Which time works for you?", spokenDate(date), physician, len(slots), slotList(slots))
}

func noSlotsReply(physician, date string) string {
	return fmt.Sprintf("I'm sorry, %s has no openings on %s. Would another date work for you?", physician, spokenDate(date))
}

func invalidDateReply() string {
	return "I need a specific date for that. Which day would you like to come in?"
}

func invalidDOBReply() string {
	return "I'm sorry, I didn't get your date of birth. Could you tell me the month, day and year?"
}

func unresolvedSlotReply(slots []booking.Slot) string {
	return fmt.Sprintf("I'm sorry, I didn't catch which time you'd like. The options are %s.", slotList(slots))
}

func bookedReply(physician, date string, slot booking.Slot) string {
	return fmt.Sprintf("You're all set with %s on %s at %s. Is there anything else I can help you with?", physician, spokenDate(date), slot.Label)
}

func conflictReply(slots []booking.Slot) string {
	return fmt.Sprintf("I'm sorry, that time is no longer available. The other options were %s. Would you like to try one of those?", slotList(slots))
}

func rejectedReply(message string) string {
	if message = strings.TrimSpace(message); message != "" {
		return fmt.Sprintf("I'm sorry, our scheduling system couldn't complete that: %s. Could we try something different?", strings.TrimSuffix(message, "."))
	}
	return "I'm sorry, our scheduling system couldn't complete that. Could we try something different?"
}

func noCandidatesReply(s *booking.State) string {
	if s.PhysicianName != "" {
		return fmt.Sprintf("You're already set to see %s. What date would you like to come in?", s.PhysicianName)
	}
	return "Which doctor would you like to see?"
}

// abbreviations never end a sentence.
var abbreviations = map[string]bool{"dr": true, "mr": true, "mrs": true, "ms": true, "st": true}

// splitSentences breaks text into sentence-sized chunks for voicing.
// Chunks after the first keep their leading space, so concatenating them
// restores text.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '?', '!':
			if i+1 < len(text) && text[i+1] != ' ' {
				continue
			}
			if text[i] == '.' {
				word := text[strings.LastIndexByte(text[:i], ' ')+1 : i]
				if abbreviations[strings.ToLower(word)] {
					continue
				}
			}
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
