package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixWebhook)
	if !strings.HasPrefix(id, "wh_") || len(id) != len("wh_")+24 {
		t.Errorf("unexpected id %q", id)
	}
	if WithPrefix(PrefixWebhook) == id {
		t.Error("ids should be unique")
	}
}

func TestHex(t *testing.T) {
	if got := Hex(32); len(got) != 64 {
		t.Errorf("Hex(32) length = %d, want 64", len(got))
	}
}

func TestTimeOrdered(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	a := TimeOrdered(PrefixAssessment, base)
	b := TimeOrdered(PrefixAssessment, base.Add(time.Millisecond))
	c := TimeOrdered(PrefixAssessment, base.Add(time.Hour))

	if len(a) != len(PrefixAssessment)+28 {
		t.Fatalf("unexpected length %d for %q", len(a), a)
	}
	if !(a < b && b < c) {
		t.Errorf("ids not time ordered: %s %s %s", a, b, c)
	}
	if TimeOrdered(PrefixAssessment, base)[:len(PrefixAssessment)+12] != a[:len(PrefixAssessment)+12] {
		t.Error("same millisecond should share the timestamp segment")
	}
}
