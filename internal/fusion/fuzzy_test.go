package fusion

import "testing"

func TestFuzzyMonitorColdNeverFuzzy(t *testing.T) {
	m := newFuzzyMonitor()
	if m.isFuzzy(Quat{W: 1, X: 0.9}, 0.01) {
		t.Fatal("a monitor with no samples yet must never flag fuzzy")
	}
}

func TestFuzzyMonitorFlagsLargeDeviation(t *testing.T) {
	m := newFuzzyMonitor()
	for i := 0; i < FuzzyWindow; i++ {
		m.push(IdentityQuat())
	}
	if !m.isFuzzy(Quat{W: 0, X: 1}, 0.1) {
		t.Fatal("a quaternion far from the stable baseline should be flagged fuzzy")
	}
}

func TestFuzzyMonitorAcceptsSmallDeviation(t *testing.T) {
	m := newFuzzyMonitor()
	for i := 0; i < FuzzyWindow; i++ {
		m.push(IdentityQuat())
	}
	if m.isFuzzy(Quat{W: 0.999, X: 0.001}, 0.1) {
		t.Fatal("a quaternion close to the stable baseline should not be flagged fuzzy")
	}
}
