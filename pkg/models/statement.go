package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"time"
)

// BaseProp is the pseudo-property every emitted entity carries once so that
// entities without any other property still exist in the store.
const BaseProp = "id"

// Statement is one atomic fact about one entity from one source. Statements
// are immutable once appended.
type Statement struct {
	ID            string    `json:"id" db:"id"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	CanonicalID   string    `json:"canonical_id" db:"-"`
	Schema        string    `json:"schema" db:"schema"`
	Prop          string    `json:"prop" db:"prop"`
	PropType      string    `json:"prop_type" db:"prop_type"`
	Value         string    `json:"value" db:"value"`
	Dataset       string    `json:"dataset" db:"dataset"`
	Origin        string    `json:"origin" db:"origin"`
	Lang          string    `json:"lang,omitempty" db:"lang"`
	OriginalValue *string   `json:"original_value,omitempty" db:"original_value"`
	Target        bool      `json:"target" db:"target"`
	SeenAt        time.Time `json:"seen_at" db:"seen_at"`
}

// MakeStatementID hashes the identifying fields of a statement. Two emissions
// of the same fact from the same dataset produce the same id. Fields are
// length-prefixed so no value can spill into its neighbour, and a missing
// original value hashes differently from an empty one.
func MakeStatementID(dataset, entityID, prop, value, lang string, originalValue *string) string {
	h := sha256.New()
	for _, field := range []string{dataset, entityID, prop, value, lang} {
		writeField(h, field)
	}
	if originalValue == nil {
		h.Write([]byte{0})
	} else {
		h.Write([]byte{1})
		writeField(h, *originalValue)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, field string) {
	var size [binary.MaxVarintLen64]byte
	h.Write(size[:binary.PutUvarint(size[:], uint64(len(field)))])
	h.Write([]byte(field))
}

// WithID fills ID from the statement's identifying fields when it is empty.
func (s Statement) WithID() Statement {
	if s.ID == "" {
		s.ID = MakeStatementID(s.Dataset, s.EntityID, s.Prop, s.Value, s.Lang, s.OriginalValue)
	}
	return s
}

// Canonical returns the canonical id when one was assigned, otherwise the
// statement's own entity id.
func (s Statement) Canonical() string {
	if s.CanonicalID != "" {
		return s.CanonicalID
	}
	return s.EntityID
}

// Equal compares every field, including the pointer-valued original value.
func (s Statement) Equal(o Statement) bool {
	if (s.OriginalValue == nil) != (o.OriginalValue == nil) {
		return false
	}
	if s.OriginalValue != nil && *s.OriginalValue != *o.OriginalValue {
		return false
	}
	return s.ID == o.ID &&
		s.EntityID == o.EntityID &&
		s.CanonicalID == o.CanonicalID &&
		s.Schema == o.Schema &&
		s.Prop == o.Prop &&
		s.PropType == o.PropType &&
		s.Value == o.Value &&
		s.Dataset == o.Dataset &&
		s.Origin == o.Origin &&
		s.Lang == o.Lang &&
		s.Target == o.Target &&
		s.SeenAt.Equal(o.SeenAt)
}
