package memory

import (
	"strings"
	"testing"
	"time"
)

func validMemory() *Memory {
	now := time.Now()
	return &Memory{
		ID:             "m1",
		Content:        "the user prefers concise answers",
		Type:           TypePreference,
		Importance:     0.9,
		Confidence:     NewConfidence(SourceUserDirect),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
}

func TestMemory_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Memory)
		wantErr bool
	}{
		{"valid", func(m *Memory) {}, false},
		{"empty id", func(m *Memory) { m.ID = "" }, true},
		{"oversized content", func(m *Memory) { m.Content = strings.Repeat("x", MaxContentBytes+1) }, true},
		{"content at bound", func(m *Memory) { m.Content = strings.Repeat("x", MaxContentBytes) }, false},
		{"unknown type", func(m *Memory) { m.Type = "belief" }, true},
		{"importance too high", func(m *Memory) { m.Importance = 1.01 }, true},
		{"importance negative", func(m *Memory) { m.Importance = -0.1 }, true},
		{"bad confidence", func(m *Memory) { m.Confidence.Score = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMemory()
			tt.mutate(m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAssociation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		assoc   Association
		wantErr bool
	}{
		{"valid", Association{SourceID: "a", TargetID: "b", Relation: RelationRelatedTo, Weight: 0.9}, false},
		{"self loop", Association{SourceID: "a", TargetID: "a", Relation: RelationRelatedTo, Weight: 0.5}, true},
		{"missing endpoint", Association{SourceID: "a", Relation: RelationRelatedTo}, true},
		{"bad relation", Association{SourceID: "a", TargetID: "b", Relation: "knows", Weight: 0.5}, true},
		{"weight out of range", Association{SourceID: "a", TargetID: "b", Relation: RelationPartOf, Weight: 1.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.assoc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	m := validMemory()

	if !(&Filter{}).Matches(m) {
		t.Error("empty filter should match")
	}
	if !(&Filter{Types: []Type{TypePreference, TypeFact}}).Matches(m) {
		t.Error("type filter should match")
	}
	if (&Filter{Types: []Type{TypeGoal}}).Matches(m) {
		t.Error("mismatched type should not match")
	}
	if (&Filter{MinImportance: 0.95}).Matches(m) {
		t.Error("min importance should exclude")
	}
	if (&Filter{SessionID: "other"}).Matches(m) {
		t.Error("session filter should exclude")
	}

	m.Forgotten = true
	if (&Filter{}).Matches(m) {
		t.Error("forgotten memory should be excluded by default")
	}
	if !(&Filter{IncludeForgotten: true}).Matches(m) {
		t.Error("forgotten memory should match with IncludeForgotten")
	}
}

func TestFilter_LessDeterministic(t *testing.T) {
	now := time.Now()
	a := &Memory{ID: "a", CreatedAt: now, Importance: 0.5}
	b := &Memory{ID: "b", CreatedAt: now, Importance: 0.5}

	f := &Filter{SortBy: SortByImportance}
	if !f.Less(a, b) || f.Less(b, a) {
		t.Error("equal importance should tie-break by id ascending")
	}
}

func TestMemory_Clone(t *testing.T) {
	m := validMemory()
	m.Metadata = map[string]string{"k": "v"}
	m.Confidence.Corroborate("x", time.Now())

	cp := m.Clone()
	cp.Metadata["k"] = "changed"
	cp.Confidence.History[0].Reason = "changed"

	if m.Metadata["k"] != "v" {
		t.Error("clone shares metadata map")
	}
	if m.Confidence.History[0].Reason == "changed" {
		t.Error("clone shares confidence history")
	}
}

func TestExperience_Open(t *testing.T) {
	e := &Experience{ID: "e1", Title: "session", StartedAt: time.Now()}
	if !e.Open() {
		t.Error("experience with nil EndedAt should be open")
	}
	ended := time.Now()
	e.EndedAt = &ended
	if e.Open() {
		t.Error("experience with EndedAt should be closed")
	}
}
