package risk

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
)

func res(score float64, inds ...string) AnalyzerResult {
	return AnalyzerResult{Score: score, Indicators: inds}
}

func TestComposeWeights(t *testing.T) {
	tests := []struct {
		name       string
		p, b, r, n float64
		want       int
	}{
		{"zero", 0, 0, 0, 0, 0},
		{"pattern only", 30, 0, 0, 0, 9},
		{"risk only", 0, 0, 20, 0, 5},
		{"network only", 0, 0, 0, 65, 10}, // 9.75
		{"pattern and risk", 30, 0, 20, 0, 14},
		{"all full", 100, 100, 100, 100, 100},
		{"over range", 300, 300, 300, 300, 100},
		{"negative", -50, -50, -50, -50, 0},
		{"rounds half up", 10, 0, 0, 10, 5}, // 3 + 1.5
		{"rounds down", 0, 0, 0, 3, 0},      // 0.45
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Compose(res(tt.p), res(tt.b), res(tt.r), res(tt.n), FeatureVector{})
			if err != nil {
				t.Fatalf("compose: %v", err)
			}
			if got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComposeBounded(t *testing.T) {
	values := []float64{-1e9, -100, -1, 0, 0.4, 1, 17.5, 50, 99.9, 100, 101, 1e9}
	for _, p := range values {
		for _, n := range values {
			score, conf, err := Compose(res(p), res(n), res(p), res(n), FeatureVector{TotalTransactions: int(math.Abs(n))})
			if err != nil {
				t.Fatalf("compose(%v,%v): %v", p, n, err)
			}
			if score < 0 || score > 100 {
				t.Errorf("compose(%v,%v) score = %d, out of [0,100]", p, n, score)
			}
			if conf < 0 || conf > 1 {
				t.Errorf("compose(%v,%v) confidence = %f, out of [0,1]", p, n, conf)
			}
		}
	}
}

func TestComposeNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, _, err := Compose(res(v), res(0), res(0), res(0), FeatureVector{})
		if !errors.Is(err, ErrNonFiniteScore) {
			t.Errorf("compose(%v): err = %v, want ErrNonFiniteScore", v, err)
		}
	}
}

func TestConfidenceLadder(t *testing.T) {
	tests := []struct {
		tx, age int
		want    float64
	}{
		{0, 0, 0.5},
		{5, 90, 0.5},
		{6, 0, 0.6},
		{21, 0, 0.7},
		{101, 0, 0.8},
		{0, 91, 0.6},
		{0, 366, 0.7},
		{50, 200, 0.8},
		{150, 400, 1.0},
		{10000, 10000, 1.0},
	}
	for _, tt := range tests {
		_, got, err := Compose(res(0), res(0), res(0), res(0), FeatureVector{TotalTransactions: tt.tx, AccountAge: tt.age})
		if err != nil {
			t.Fatalf("compose: %v", err)
		}
		if !approx(got, tt.want) {
			t.Errorf("confidence(tx=%d, age=%d) = %f, want %f", tt.tx, tt.age, got, tt.want)
		}
	}
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, LevelLow},
		{24, LevelLow},
		{25, LevelMedium},
		{49, LevelMedium},
		{50, LevelHigh},
		{74, LevelHigh},
		{75, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		got, recs := Classify(tt.score)
		if got != tt.want {
			t.Errorf("classify(%d) = %s, want %s", tt.score, got, tt.want)
		}
		if tt.want == LevelLow && len(recs) != 0 {
			t.Errorf("classify(%d): low should carry no recommendations, got %v", tt.score, recs)
		}
		if tt.want != LevelLow && len(recs) == 0 {
			t.Errorf("classify(%d): missing recommendations", tt.score)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	prev := LevelLow
	for s := 0; s <= 100; s++ {
		level, _ := Classify(s)
		if level < prev {
			t.Fatalf("classify(%d) = %s, below classify(%d) = %s", s, level, s-1, prev)
		}
		prev = level
	}
}

func TestClassifyRecommendations(t *testing.T) {
	_, recs := Classify(90)
	if !strings.Contains(strings.Join(recs, ";"), "Block transaction") {
		t.Errorf("critical recommendations = %v", recs)
	}

	// Callers get their own copy.
	recs[0] = "changed"
	if _, again := Classify(90); again[0] == "changed" {
		t.Error("Classify returned shared recommendation slice")
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{0, "low"},
		{25, "low"},
		{26, "medium"},
		{50, "medium"},
		{51, "high"},
		{75, "high"},
		{76, "critical"},
	}
	for _, tt := range tests {
		if got := Severity(tt.score); got != tt.want {
			t.Errorf("severity(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestRiskLevelText(t *testing.T) {
	for _, l := range []RiskLevel{LevelLow, LevelMedium, LevelHigh, LevelCritical} {
		b, err := l.MarshalText()
		if err != nil {
			t.Fatalf("marshal %d: %v", l, err)
		}
		var back RiskLevel
		if err := back.UnmarshalText(b); err != nil || back != l {
			t.Errorf("round trip %s: got %s, %v", l, back, err)
		}
	}
	if _, err := RiskLevel(9).MarshalText(); err == nil {
		t.Error("invalid level should not marshal")
	}
	var l RiskLevel
	if err := l.UnmarshalText([]byte("severe")); err == nil {
		t.Error("unknown level should not unmarshal")
	}
}

// -----------------------------------------------------------------------------
// Reporter
// -----------------------------------------------------------------------------

type recordingSink struct {
	mu     sync.Mutex
	events []*RiskUpdateEvent
	err    error
	panics bool
}

func (s *recordingSink) Publish(_ context.Context, ev *RiskUpdateEvent) error {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestAssembleDedupesAndTruncates(t *testing.T) {
	r := NewReporter(nil, nil)
	a := r.Assemble(
		res(0, "a", "b"),
		res(0, "b", "c"),
		res(0, "d", "e", "f", "g", "h", "i", "j", "k", "l"),
		res(0, "a", "m"),
		40, LevelMedium, []string{"x"}, 0.7,
	)
	want := "a,b,c,d,e,f,g,h,i,j"
	if got := strings.Join(a.Indicators, ","); got != want {
		t.Errorf("indicators = %s, want %s", got, want)
	}
	if a.AnomalyScore != 40 || a.RiskLevel != LevelMedium || a.Confidence != 0.7 {
		t.Errorf("assessment = %+v", a)
	}
}

func TestAssembleEmpty(t *testing.T) {
	a := NewReporter(nil, nil).Assemble(res(0), res(0), res(0), res(0), 0, LevelLow, nil, 0.5)
	if a.Indicators == nil || a.Recommendations == nil {
		t.Error("empty lists should be non-nil so they encode as []")
	}
}

func TestNotifyThreshold(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, nil)

	r.Notify(context.Background(), "u1", &RiskAssessment{AnomalyScore: 25}, testNow)
	if sink.count() != 0 {
		t.Fatal("score 25 should not publish")
	}

	a := &RiskAssessment{AnomalyScore: 26, Indicators: []string{"1", "2", "3", "4", "5", "6", "7"}}
	r.Notify(context.Background(), "u1", a, testNow)
	if sink.count() != 1 {
		t.Fatalf("score 26 should publish once, got %d", sink.count())
	}
	ev := sink.events[0]
	if ev.UserID != "u1" || ev.Score != 26 || ev.Severity != "medium" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Indicators) != 5 {
		t.Errorf("event indicators = %v, want 5", ev.Indicators)
	}
	if !ev.Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, testNow)
	}

	// The event must not alias the assessment.
	ev.Indicators[0] = "changed"
	if a.Indicators[0] != "1" {
		t.Error("event indicators alias the assessment")
	}
}

func TestNotifySwallowsSinkFailures(t *testing.T) {
	for _, sink := range []*recordingSink{{err: errors.New("down")}, {panics: true}} {
		r := NewReporter(sink, nil)
		a := &RiskAssessment{AnomalyScore: 90, Indicators: []string{"x"}}
		r.Notify(context.Background(), "u1", a, testNow) // must not panic
		if a.AnomalyScore != 90 || a.Indicators[0] != "x" {
			t.Errorf("sink failure changed the assessment: %+v", a)
		}
	}
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	err := MultiSink{ok, nil, bad}.Publish(context.Background(), &RiskUpdateEvent{UserID: "u"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("err = %v, want joined sink error", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Errorf("every sink should receive the event: ok=%d bad=%d", ok.count(), bad.count())
	}
}
