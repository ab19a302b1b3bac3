package knowledge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Fact is one stored belief about a subject.
type Fact struct {
	Subject     string  `json:"subject"`
	Fact        string  `json:"fact"`
	Confidence  float64 `json:"confidence"`
	LastUpdated float64 `json:"last_updated"`
	Source      string  `json:"source,omitempty"`
}

// UpdatedAt converts LastUpdated to a time.Time.
func (f Fact) UpdatedAt() time.Time {
	sec := int64(f.LastUpdated)
	return time.Unix(sec, int64((f.LastUpdated-float64(sec))*1e9))
}

// record is the on-disk shape; the subject is the object key.
type record struct {
	Fact        text    `json:"fact"`
	Confidence  float64 `json:"confidence"`
	LastUpdated float64 `json:"last_updated"`
	Source      string  `json:"source,omitempty"`
}

// Snapshot is the full subject -> Fact mapping. It preserves insertion
// order through load and save. The zero value is an empty snapshot.
type Snapshot struct {
	order []string
	facts map[string]Fact
}

// NewSnapshot returns a snapshot holding facts in the given order.
func NewSnapshot(facts ...Fact) *Snapshot {
	s := &Snapshot{}
	for _, f := range facts {
		s.Put(f)
	}
	return s
}

// Len returns the number of subjects.
func (s *Snapshot) Len() int { return len(s.order) }

// Get returns the fact stored for subject.
func (s *Snapshot) Get(subject string) (Fact, bool) {
	f, ok := s.facts[subject]
	return f, ok
}

// Put stores f. A new subject goes to the end; an existing one keeps its position.
func (s *Snapshot) Put(f Fact) {
	if s.facts == nil {
		s.facts = make(map[string]Fact)
	}
	if _, ok := s.facts[f.Subject]; !ok {
		s.order = append(s.order, f.Subject)
	}
	s.facts[f.Subject] = f
}

// Facts returns all facts in insertion order.
func (s *Snapshot) Facts() []Fact {
	out := make([]Fact, 0, len(s.order))
	for _, subj := range s.order {
		out = append(out, s.facts[subj])
	}
	return out
}

// Each calls fn for every fact in order until fn returns false.
func (s *Snapshot) Each(fn func(Fact) bool) {
	for _, subj := range s.order {
		if !fn(s.facts[subj]) {
			return
		}
	}
}

// MarshalJSON writes the snapshot as an object keyed by subject, in order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, subj := range s.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(subj)
		if err != nil {
			return nil, err
		}
		f := s.facts[subj]
		val, err := json.Marshal(record{
			Fact:        text(f.Fact),
			Confidence:  f.Confidence,
			LastUpdated: f.LastUpdated,
			Source:      f.Source,
		})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// text decodes any JSON value into a string. Strings are taken verbatim,
// anything else keeps its compact JSON form, so a hand-edited snapshot
// holding a number still loads.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = text(s)
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*t = text(buf.String())
	return nil
}

var errNotObject = errors.New("snapshot must be a JSON object")

// UnmarshalJSON reads an object keyed by subject, keeping key order.
// A repeated key keeps its first position and its last value.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errNotObject
	}

	fresh := &Snapshot{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		subj, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key %v", tok)
		}
		var r record
		if err := dec.Decode(&r); err != nil {
			return fmt.Errorf("subject %q: %w", subj, err)
		}
		fresh.Put(Fact{
			Subject:     subj,
			Fact:        string(r.Fact),
			Confidence:  r.Confidence,
			LastUpdated: r.LastUpdated,
			Source:      r.Source,
		})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*s = *fresh
	return nil
}
