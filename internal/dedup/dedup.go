// Package dedup recognizes the same logical event imported from more than one
// calendar and decides what to do about it.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"calhub/internal/models"
)

// FingerprintWindow is how far apart two start times may be for a
// fingerprint match to count.
const FingerprintWindow = 60 * time.Second

// Strategy names the rule that produced a match.
type Strategy string

const (
	StrategyICSUID      Strategy = "ics_uid"
	StrategyExternalID  Strategy = "external_id"
	StrategyFingerprint Strategy = "fingerprint"
)

// Match is an existing event that the candidate duplicates.
type Match struct {
	Event    models.Event
	Strategy Strategy
}

// Fingerprint returns the content hash used to recognize copies of an event.
func Fingerprint(title string, start, end time.Time, location string) string {
	data := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(title)),
		start.UTC().Format("2006-01-02T15:04:05.000Z"),
		end.UTC().Format("2006-01-02T15:04:05.000Z"),
		strings.ToLower(strings.TrimSpace(location)),
	}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Identify looks for an event in existing that is a copy of candidate living
// in a different calendar. Strategies are tried in order (ICS UID, external
// id, fingerprint) and the first strategy with any hit wins.
func Identify(candidate models.Event, existing []models.Event) (Match, bool) {
	others := make([]models.Event, 0, len(existing))
	for _, e := range existing {
		if e.CalendarID != candidate.CalendarID {
			others = append(others, e)
		}
	}

	if candidate.ICSUID != "" {
		for _, e := range others {
			if e.ICSUID == candidate.ICSUID {
				return Match{Event: e, Strategy: StrategyICSUID}, true
			}
		}
	}

	if candidate.ExternalID != "" {
		for _, e := range others {
			if e.ExternalID == candidate.ExternalID {
				return Match{Event: e, Strategy: StrategyExternalID}, true
			}
		}
	}

	// An existing event within the window is shifted onto the candidate's
	// start before hashing, so copies whose clocks drift by a few seconds
	// still match when title, location and duration agree.
	fp := Fingerprint(candidate.Title, candidate.Start, candidate.End, candidate.Location)
	for _, e := range others {
		d := e.Start.Sub(candidate.Start)
		if d < -FingerprintWindow || d > FingerprintWindow {
			continue
		}
		if Fingerprint(e.Title, e.Start.Add(-d), e.End.Add(-d), e.Location) == fp {
			return Match{Event: e, Strategy: StrategyFingerprint}, true
		}
	}

	return Match{}, false
}

// Policy is what the orchestrator does with a detected duplicate.
type Policy string

const (
	PolicySkip     Policy = "skip"
	PolicyKeepBoth Policy = "keep-both"
	PolicyLink     Policy = "link"
)

// DefaultPolicy avoids cluttering the unified view with copies.
const DefaultPolicy = PolicySkip

// ParsePolicy validates a policy name. The empty string selects DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DefaultPolicy, nil
	case PolicySkip, PolicyKeepBoth, PolicyLink:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// Decision is the outcome of applying a Policy to a Match.
type Decision struct {
	Import        bool
	LinkedEventID string
}

// Decide applies policy to a detected duplicate.
func Decide(match Match, policy Policy) Decision {
	switch policy {
	case PolicyKeepBoth:
		return Decision{Import: true}
	case PolicyLink:
		return Decision{Import: true, LinkedEventID: match.Event.ID}
	default:
		return Decision{Import: false}
	}
}
