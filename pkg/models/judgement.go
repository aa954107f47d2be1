package models

import (
	"strings"
	"time"
)

// Verdict is the outcome of comparing two entity ids.
type Verdict string

const (
	// VerdictMatch joins two ids into one cluster
	VerdictMatch Verdict = "match"
	// VerdictNoMatch forbids two ids from ever sharing a cluster
	VerdictNoMatch Verdict = "no_match"
	// VerdictUnsure records a decision without joining or splitting
	VerdictUnsure Verdict = "unsure"
)

// ParseVerdict accepts the stored and common spellings of a verdict. Unknown
// verdicts return ok=false so that history written by newer versions can be
// skipped instead of failing the load.
func ParseVerdict(s string) (Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "match", "positive":
		return VerdictMatch, true
	case "no_match", "no-match", "nomatch", "negative":
		return VerdictNoMatch, true
	case "unsure":
		return VerdictUnsure, true
	}
	return Verdict(s), false
}

// Judgement is a decision between two entity ids. Judgements are never
// deleted, the latest judgement between a pair supersedes older ones.
type Judgement struct {
	Left      string    `json:"left" validate:"required"`
	Right     string    `json:"right" validate:"required,nefield=Left"`
	Verdict   Verdict   `json:"verdict" validate:"required"`
	Actor     string    `json:"actor" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// Pair returns the unordered key identifying the judged pair.
func (j Judgement) Pair() Pair {
	return MakePair(j.Left, j.Right)
}

// Pair is an unordered pair of entity ids stored with the smaller id first.
type Pair struct {
	A string
	B string
}

func MakePair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

func (p Pair) String() string {
	return p.A + "<>" + p.B
}
