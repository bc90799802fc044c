package validator

import "testing"

const cleanScanner = `
function scan(bars) {
  if (bars.length < 7) return null;
  let rangeHigh = bars[0].high;
  for (let i = 1; i < 6; i++) {
    if (bars[i].high > rangeHigh) rangeHigh = bars[i].high;
  }
  const last = bars[bars.length - 1];
  if (last.close > rangeHigh * 1.001) {
    return { direction: "LONG", time: last.timestamp, strength: 70 };
  }
  return null;
}
`

// A scanner that sorts the whole day by high and signals at the top
// bar's time. Structurally impossible without future knowledge.
const sortByHighScanner = `
function scan(bars) {
  const sorted = bars.sort((a, b) => b.high - a.high);
  const peak = sorted[0];
  return { direction: "SHORT", time: peak.timestamp, strength: 90 };
}
`

func hasRule(r Result, rule string) bool {
	for _, v := range r.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func TestCheck_AcceptsPrefixOnlyScanner(t *testing.T) {
	r := Check(cleanScanner)
	if !r.IsValid {
		t.Fatalf("expected valid, got violations %+v", r.Violations)
	}
}

func TestCheck_RejectsSortByDayExtremum(t *testing.T) {
	r := Check(sortByHighScanner)
	if r.IsValid {
		t.Fatal("expected rejection of sort-by-high scanner")
	}
	if !hasRule(r, RuleLookahead) {
		t.Errorf("expected LOOKAHEAD violation, got %+v", r.Violations)
	}
}

func TestCheck_RejectsMaxSpreadBeforeLoop(t *testing.T) {
	code := `
function scan(bars) {
  const dayHigh = Math.max(...bars.map(b => b.high));
  for (let i = 0; i < bars.length; i++) {
    if (bars[i].high === dayHigh) return { direction: "SHORT", time: bars[i].timestamp };
  }
  return null;
}
`
	r := Check(code)
	if r.IsValid {
		t.Fatal("expected rejection of day-high precompute")
	}
	if !hasRule(r, RuleLookahead) {
		t.Errorf("expected LOOKAHEAD, got %+v", r.Violations)
	}
}

func TestCheck_RejectsFutureSlice(t *testing.T) {
	code := `
function scan(bars) {
  for (let i = 0; i < bars.length; i++) {
    const future = bars.slice(i + 1);
    if (future.length > 0 && future[0].close > bars[i].close) {
      return { direction: "LONG", time: bars[i].timestamp };
    }
  }
  return null;
}
`
	r := Check(code)
	if r.IsValid {
		t.Fatal("expected rejection of forward slice")
	}
}

func TestCheck_RejectsFutureIndexInLoop(t *testing.T) {
	code := `
function scan(bars) {
  for (let i = 0; i < bars.length - 3; i++) {
    if (bars[i + 3].close > bars[i].close) {
      return { direction: "LONG", time: bars[i].timestamp };
    }
  }
  return null;
}
`
	r := Check(code)
	if r.IsValid {
		t.Fatal("expected rejection of index+offset access")
	}
}

func TestCheck_RejectsPeakIndexOffset(t *testing.T) {
	code := `
function scan(bars) {
  const highs = bars.map(b => b.high);
  const peakIdx = highs.indexOf(Math.max(...highs));
  const entry = bars[peakIdx + 2];
  return { direction: "SHORT", time: entry.timestamp };
}
`
	r := Check(code)
	if r.IsValid {
		t.Fatal("expected rejection of peak-index arithmetic")
	}
}

func TestCheck_RejectsTruncatedSource(t *testing.T) {
	code := `
function scan(bars) {
  for (let i = 0; i < bars.length; i++) {
    if (bars[i].close > 100
`
	r := Check(code)
	if r.IsValid {
		t.Fatal("expected rejection of truncated source")
	}
	if !hasRule(r, RuleTruncation) {
		t.Errorf("expected TRUNCATION, got %+v", r.Violations)
	}
}

func TestCheck_RejectsMissingTerminator(t *testing.T) {
	r := Check("const x = 1 +")
	if r.IsValid {
		t.Fatal("expected rejection")
	}
	if !hasRule(r, RuleTruncation) {
		t.Errorf("expected TRUNCATION, got %+v", r.Violations)
	}
}

func TestCheck_IgnoresPatternsInCommentsAndStrings(t *testing.T) {
	code := `
function scan(bars) {
  // do not use bars.sort((a, b) => b.high - a.high)
  const note = "Math.max(...bars) is forbidden";
  for (let i = 1; i < bars.length; i++) {
    if (bars[i].close > bars[i - 1].close * 1.01) {
      return { direction: "LONG", time: bars[i].timestamp, note };
    }
  }
  return null;
}
`
	r := Check(code)
	if !r.IsValid {
		t.Fatalf("expected valid, got %+v", r.Violations)
	}
}
