package httprange

import "testing"

func TestParseBoundedRange(t *testing.T) {
	iv := Parse("bytes=100-199", 1000)
	if iv == nil {
		t.Fatalf("expected valid interval")
	}
	if iv.Start != 100 || iv.End != 199 || iv.Length != 100 {
		t.Fatalf("unexpected interval: %+v", iv)
	}
	if !iv.IsPartial {
		t.Fatalf("bounded subrange should be partial")
	}
}

func TestParseFullFileProbe(t *testing.T) {
	iv := Parse("bytes=0-", 1000)
	if iv == nil {
		t.Fatalf("range probe should parse")
	}
	if iv.Start != 0 || iv.End != 999 || iv.Length != 1000 {
		t.Fatalf("unexpected probe interval: %+v", iv)
	}
	if iv.IsPartial {
		t.Fatalf("bytes=0- covers the whole file")
	}
}

func TestParseSuffixRange(t *testing.T) {
	iv := Parse("bytes=-100", 1000)
	if iv == nil {
		t.Fatalf("suffix range should parse")
	}
	if iv.Start != 900 || iv.End != 999 || iv.Length != 100 || !iv.IsPartial {
		t.Fatalf("unexpected suffix interval: %+v", iv)
	}

	// 后缀超过文件大小时退化为整个文件。
	iv = Parse("bytes=-5000", 1000)
	if iv == nil || iv.Start != 0 || iv.End != 999 || iv.IsPartial {
		t.Fatalf("oversized suffix should cover whole file: %+v", iv)
	}
}

func TestParseClampsEnd(t *testing.T) {
	iv := Parse("bytes=500-99999", 1000)
	if iv == nil || iv.End != 999 || iv.Length != 500 {
		t.Fatalf("end should clamp to totalSize-1: %+v", iv)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"items=0-1",
		"bytes=0-1,5-9",
		"bytes=a-b",
		"bytes=5-2",
		"bytes=-0",
		"bytes=1000-",
		"bytes=1000-1200",
		"bytes=--5",
		"bytes=-",
	}
	for _, header := range cases {
		if iv := Parse(header, 1000); iv != nil {
			t.Fatalf("Parse(%q) should be nil, got %+v", header, iv)
		}
	}
}

func TestParseZeroTotal(t *testing.T) {
	if iv := Parse("bytes=0-", 0); iv != nil {
		t.Fatalf("zero-size object cannot satisfy ranges")
	}
}

// 对所有合法 (start,end) 组合，长度与部分性判定应满足区间定律。
func TestParseRoundTripLaw(t *testing.T) {
	const total = 32
	for start := int64(0); start < total; start++ {
		for end := start; end < total; end++ {
			header := "bytes=" +
				itoa(start) + "-" + itoa(end)
			iv := Parse(header, total)
			if iv == nil {
				t.Fatalf("Parse(%q) unexpectedly nil", header)
			}
			if iv.Start != start || iv.End != end {
				t.Fatalf("Parse(%q) = %+v", header, iv)
			}
			if iv.Length != end-start+1 {
				t.Fatalf("length mismatch for %q: %d", header, iv.Length)
			}
			wantPartial := !(start == 0 && end == total-1)
			if iv.IsPartial != wantPartial {
				t.Fatalf("partial mismatch for %q: %v", header, iv.IsPartial)
			}
		}
	}
}

func TestContentRange(t *testing.T) {
	iv := Parse("bytes=0-99", 200)
	if got := iv.ContentRange(200); got != "bytes 0-99/200" {
		t.Fatalf("unexpected content range: %s", got)
	}
	if got := Unsatisfiable(200); got != "bytes */200" {
		t.Fatalf("unexpected unsatisfiable range: %s", got)
	}
}

func TestIsFullFileProbe(t *testing.T) {
	if !IsFullFileProbe("bytes=0-") || !IsFullFileProbe(" bytes=0- ") {
		t.Fatalf("bytes=0- is the range probe")
	}
	for _, header := range []string{"", "bytes=0-100", "bytes=1-", "bytes=-5"} {
		if IsFullFileProbe(header) {
			t.Fatalf("%q is not the range probe", header)
		}
	}
}

func TestParseBounded(t *testing.T) {
	start, end, ok := ParseBounded("bytes=100-199")
	if !ok || start != 100 || end != 199 {
		t.Fatalf("unexpected bounds: %d-%d ok=%v", start, end, ok)
	}
	for _, header := range []string{"", "bytes=0-", "bytes=-5", "bytes=5-2", "bytes=a-b", "bytes=1-2,3-4", "items=1-2"} {
		if _, _, ok := ParseBounded(header); ok {
			t.Fatalf("ParseBounded(%q) should not match", header)
		}
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
