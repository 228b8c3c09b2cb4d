package memory

import (
	"math"
	"testing"
	"time"
)

func TestConfidence_Composite(t *testing.T) {
	c := Confidence{
		SourceReliability:  1.0,
		ConsistencyScore:   1.0,
		RetrievalStability: 1.0,
		UserVerification:   1.0,
		CorroborationCount: 0,
	}
	got := c.Composite()
	want := 0.35 + 0.25 + 0.20 + 0.20
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %f, got %f", want, got)
	}
}

func TestConfidence_CompositeClamped(t *testing.T) {
	c := Confidence{
		SourceReliability:  1.0,
		ConsistencyScore:   1.0,
		RetrievalStability: 1.0,
		UserVerification:   1.0,
		CorroborationCount: 100,
	}
	if got := c.Composite(); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", got)
	}
}

func TestConfidence_CorroborateMonotonic(t *testing.T) {
	c := NewConfidence(SourceAgentInference)
	now := time.Now()

	prev := c.Score
	for i := 0; i < 10; i++ {
		c.Corroborate("peer", now)
		if c.Score < prev {
			t.Fatalf("corroboration %d decreased score: %f -> %f", i, prev, c.Score)
		}
		prev = c.Score
	}
	if c.CorroborationCount != 10 {
		t.Errorf("expected count 10, got %d", c.CorroborationCount)
	}
	if c.Status != StatusCorroborated {
		t.Errorf("expected corroborated status, got %s", c.Status)
	}
	if len(c.History) != 10 {
		t.Errorf("expected 10 history entries, got %d", len(c.History))
	}
}

func TestConfidence_ContradictNeverIncreases(t *testing.T) {
	c := NewConfidence(SourceUserDirect)
	now := time.Now()

	prev := c.Score
	for i := 0; i < 5; i++ {
		c.Contradict("other-id", now)
		if c.Score > prev {
			t.Fatalf("contradiction %d increased score: %f -> %f", i, prev, c.Score)
		}
		prev = c.Score
	}
	if c.Status != StatusContradicted {
		t.Errorf("expected contradicted status, got %s", c.Status)
	}
}

func TestConfidence_DecayNeverIncreases(t *testing.T) {
	c := NewConfidence(SourceToolOutput)
	now := time.Now()

	before := c.Score
	c.Decay(30, 30, now)
	if math.Abs(c.Score-before/2) > 1e-9 {
		t.Errorf("expected half score after one half-life, got %f (was %f)", c.Score, before)
	}

	// Zero or negative days is a no-op.
	mid := c.Score
	c.Decay(0, 30, now)
	c.Decay(-5, 30, now)
	if c.Score != mid {
		t.Errorf("expected no-op decay, got %f", c.Score)
	}
}

func TestConfidence_Verify(t *testing.T) {
	c := NewConfidence(SourceThirdParty)
	now := time.Now()

	before := c.Score
	c.Verify(now)
	if c.UserVerification != 1 {
		t.Errorf("expected user_verification 1, got %f", c.UserVerification)
	}
	if c.Score < before {
		t.Errorf("verification decreased score: %f -> %f", before, c.Score)
	}
	if c.Status != StatusUserConfirmed {
		t.Errorf("expected user_confirmed, got %s", c.Status)
	}
}

func TestSource_ReliabilityOrdering(t *testing.T) {
	ordered := []Source{
		SourceUserDirect, SourceUserConfirmation, SourceSystemVerified,
		SourceToolOutput, SourceAgentObservation, SourceAgentInference,
		SourceDocumentExtracted, SourceThirdParty, SourceUnknown,
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Reliability() >= ordered[i-1].Reliability() {
			t.Errorf("%s should be less reliable than %s", ordered[i], ordered[i-1])
		}
	}
}

func TestConfidence_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Confidence)
		wantErr bool
	}{
		{"fresh record", func(c *Confidence) {}, false},
		{"bad reliability", func(c *Confidence) { c.SourceReliability = 1.5 }, true},
		{"bad verification", func(c *Confidence) { c.UserVerification = 0.3 }, true},
		{"tentative verification", func(c *Confidence) { c.UserVerification = 0.5 }, false},
		{"negative corroboration", func(c *Confidence) { c.CorroborationCount = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfidence(SourceUnknown)
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
