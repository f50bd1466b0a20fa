package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/authflow"
)

func TestDefinitionsAreUniqueAndComplete(t *testing.T) {
	seenID := map[authflow.MetricID]bool{}
	seenName := map[string]bool{}
	for _, def := range CounterDefs {
		if seenID[def.ID] || seenName[def.Name] {
			t.Fatalf("duplicate counter %s", def.Name)
		}
		if !strings.HasPrefix(def.Name, "authflow_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("bad counter name %s", def.Name)
		}
		seenID[def.ID] = true
		seenName[def.Name] = true
	}
	for _, def := range HistogramDefs {
		if seenID[def.ID] {
			t.Fatalf("histogram %s reuses a counter id", def.Name)
		}
		seenID[def.ID] = true
	}
	for id := authflow.MetricLoginSuccess; id <= authflow.MetricUserFetchLatency; id++ {
		if !seenID[id] {
			t.Fatalf("metric id %d is not exported", id)
		}
	}
	if len(HistogramBounds) != len(HistogramBoundSuffix) {
		t.Fatal("bounds and suffixes differ in length")
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
