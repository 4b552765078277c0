package h264

import (
	"bytes"
	"errors"
	"testing"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9, 0x02, 0xc1, 0x2c, 0x80}
	testPPS = []byte{0x68, 0xce, 0x06, 0xe2}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testP   = []byte{0x41, 0x9a, 0x02, 0x0c}
)

func TestRoundTripFourByteStartCodes(t *testing.T) {
	t.Parallel()

	in := JoinAnnexB(testSPS, testPPS, testIDR)
	lp := ToLengthPrefixed(in)
	if IsAnnexB(lp) {
		t.Fatal("length-prefixed output still looks like annex-b")
	}
	out, err := ToAnnexB(lp)
	if err != nil {
		t.Fatalf("to annex-b: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("round trip mismatch\n in=%x\nout=%x", in, out)
	}
}

func TestThreeByteStartCodes(t *testing.T) {
	t.Parallel()

	var in []byte
	for _, n := range [][]byte{testSPS, testPPS, testP} {
		in = append(in, 0, 0, 1)
		in = append(in, n...)
	}
	nalus := SplitAnnexB(in)
	if len(nalus) != 3 {
		t.Fatalf("got %d nalus, want 3", len(nalus))
	}
	if !bytes.Equal(nalus[2], testP) {
		t.Fatalf("third nalu = %x", nalus[2])
	}
	lp := ToLengthPrefixed(in)
	if len(lp) != 12+len(testSPS)+len(testPPS)+len(testP) {
		t.Fatalf("unexpected length %d", len(lp))
	}
}

func TestThreeByteStartCodesNormalizeToFour(t *testing.T) {
	t.Parallel()

	in := []byte{0, 0, 1}
	in = append(in, testSPS...)
	in = append(in, 0, 0, 0, 1)
	in = append(in, testPPS...)
	in = append(in, 0, 0, 1)
	in = append(in, testIDR...)

	out, err := ToAnnexB(ToLengthPrefixed(in))
	if err != nil {
		t.Fatal(err)
	}
	want := JoinAnnexB(testSPS, testPPS, testIDR)
	if !bytes.Equal(out, want) {
		t.Fatalf("normalized stream\n got=%x\nwant=%x", out, want)
	}
	again, err := ToAnnexB(ToLengthPrefixed(out))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, out) {
		t.Fatalf("normalized stream does not round trip: %x", again)
	}
}

func TestSplitLengthPrefixedRejectsTruncation(t *testing.T) {
	t.Parallel()

	lp := JoinLengthPrefixed(testIDR)
	if _, err := SplitLengthPrefixed(lp[:len(lp)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if _, err := SplitLengthPrefixed([]byte{0, 0}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestKeyframeAndParameterSets(t *testing.T) {
	t.Parallel()

	nalus := SplitAnnexB(JoinAnnexB(testSPS, testPPS, testIDR))
	if !IsKeyframe(nalus) {
		t.Fatal("idr access unit not detected as keyframe")
	}
	if IsKeyframe([][]byte{testP}) {
		t.Fatal("p slice detected as keyframe")
	}
	sps, pps := ParameterSets(nalus)
	if !bytes.Equal(sps, testSPS) || !bytes.Equal(pps, testPPS) {
		t.Fatalf("parameter sets = %x %x", sps, pps)
	}
	stripped := StripParameterSets(nalus)
	if len(stripped) != 1 || NALType(stripped[0]) != NALUIDR {
		t.Fatalf("stripped = %v", stripped)
	}
	if len(nalus) != 3 {
		t.Fatal("strip modified its input")
	}
}

func TestHeadersBytes(t *testing.T) {
	t.Parallel()

	h, err := ParseHeaders(JoinAnnexB(testSPS, testPPS, testIDR), true)
	if err != nil {
		t.Fatalf("parse headers: %v", err)
	}
	if got := h.Bytes(true); !bytes.Equal(got, JoinAnnexB(testSPS, testPPS)) {
		t.Fatalf("annex-b headers = %x", got)
	}
	if got := h.Bytes(false); !bytes.Equal(got, JoinLengthPrefixed(testSPS, testPPS)) {
		t.Fatalf("length-prefixed headers = %x", got)
	}
	p, c, l := h.ProfileLevel()
	if p != 0x42 || c != 0x00 || l != 0x1f {
		t.Fatalf("profile/level = %x %x %x", p, c, l)
	}
	if _, err := ParseHeaders(JoinAnnexB(testIDR), true); err == nil {
		t.Fatal("expected error without parameter sets")
	}
}
