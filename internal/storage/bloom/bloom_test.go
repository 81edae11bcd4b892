package bloom

import (
	"fmt"
	"testing"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	t.Parallel()
	f := New(1000, 0.01)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		if !f.MayContain(k) {
			t.Fatalf("false negative for %q", k)
		}
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	t.Parallel()
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	trials := 10000
	for i := 0; i < trials; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.05 {
		t.Fatalf("false positive rate %.4f exceeds tolerance", rate)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()
	f := New(100, 0.01)
	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	out, err := Unmarshal(f.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !out.MayContain([]byte("alpha")) || !out.MayContain([]byte("beta")) {
		t.Fatalf("round-tripped filter lost entries")
	}
}
