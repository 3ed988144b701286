package scanner

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

// Outcome is what happened to one enumerated resource.
type Outcome uint8

const (
	OutcomeDecoded Outcome = iota
	OutcomeNotUnit
	OutcomeMalformed
	OutcomeTruncated
	OutcomeUnreadable
)

var outcomeNames = [...]string{
	OutcomeDecoded:    "decoded",
	OutcomeNotUnit:    "not_unit",
	OutcomeMalformed:  "malformed",
	OutcomeTruncated:  "truncated",
	OutcomeUnreadable: "unreadable",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Stats counts what one run saw.
type Stats struct {
	Resources  int           `json:"resources"`
	Units      int           `json:"units"`
	NotUnits   int           `json:"notUnits"`
	Malformed  int           `json:"malformed"`
	Truncated  int           `json:"truncated"`
	Unreadable int           `json:"unreadable"`
	Matches    int           `json:"matches"`
	Duration   time.Duration `json:"duration"`
}

func (s *Stats) add(o Outcome) {
	s.Resources++
	switch o {
	case OutcomeDecoded:
		s.Units++
	case OutcomeNotUnit:
		s.NotUnits++
	case OutcomeMalformed:
		s.Malformed++
	case OutcomeTruncated:
		s.Truncated++
	case OutcomeUnreadable:
		s.Unreadable++
	}
}

// Failures is the number of resources that could not be decoded.
func (s Stats) Failures() int {
	return s.Malformed + s.Truncated + s.Unreadable
}

// Observer is notified from the goroutine that delivers matches, in
// delivery order.
type Observer interface {
	ResourceScanned(res *resource.Resource, outcome Outcome)
	MatchReported(m unit.Match)
	ScanFinished(stats Stats, err error)
}

type nopObserver struct{}

func (nopObserver) ResourceScanned(*resource.Resource, Outcome) {}
func (nopObserver) MatchReported(unit.Match)                    {}
func (nopObserver) ScanFinished(Stats, error)                   {}
