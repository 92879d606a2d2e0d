package annexb

import (
	"testing"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/stretchr/testify/require"
)

// 16x16 baseline SPS, level 1.0, no VUI.
var testSPS = []byte{0x67, 0x42, 0xC0, 0x0A, 0xDA, 0x79}

var testPPS = []byte{0x68, 0xCE, 0x38, 0x80}

func TestParse(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF,
	}

	units := Parse(data)
	require.Len(t, units, 3)
	require.Equal(t, avc.NALU_SPS, units[0].Type)
	require.Equal(t, avc.NALU_PPS, units[1].Type)
	require.Equal(t, avc.NALU_IDR, units[2].Type)
	require.Equal(t, []byte{0x65, 0x88, 0x84, 0x00, 0xFF}, units[2].Data)
}

func TestParseShortInput(t *testing.T) {
	t.Parallel()
	require.Nil(t, Parse(nil))
	require.Nil(t, Parse([]byte{0x00, 0x01}))
}

func TestAppendFromLengthPrefixed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		lengthSize int
		src        []byte
	}{
		{"four byte", 4, []byte{0, 0, 0, 2, 0x65, 0xAA, 0, 0, 0, 1, 0x06}},
		{"two byte", 2, []byte{0, 2, 0x65, 0xAA, 0, 1, 0x06}},
		{"one byte", 1, []byte{2, 0x65, 0xAA, 1, 0x06}},
		{"three byte", 3, []byte{0, 0, 2, 0x65, 0xAA, 0, 0, 1, 0x06}},
	}
	want := []byte{0, 0, 0, 1, 0x65, 0xAA, 0, 0, 0, 1, 0x06}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, n, err := AppendFromLengthPrefixed(nil, tc.src, tc.lengthSize)
			require.NoError(t, err)
			require.Equal(t, 2, n)
			require.Equal(t, want, got)
		})
	}
}

func TestAppendFromLengthPrefixedTruncated(t *testing.T) {
	t.Parallel()
	// Second record claims 9 bytes but only 2 remain.
	src := []byte{0, 0, 0, 1, 0x41, 0, 0, 0, 9, 0x41, 0x42}
	got, n, err := AppendFromLengthPrefixed(nil, src, 4)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []byte{0, 0, 0, 1, 0x41}, got)
}

func TestAppendFromLengthPrefixedZeroLengthStops(t *testing.T) {
	t.Parallel()
	src := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0x41}
	_, n, err := AppendFromLengthPrefixed(nil, src, 4)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestAppendFromLengthPrefixedBadLengthSize(t *testing.T) {
	t.Parallel()
	_, _, err := AppendFromLengthPrefixed(nil, []byte{1, 2, 3}, 5)
	require.ErrorIs(t, err, ErrLengthSize)
	_, _, err = AppendFromLengthPrefixed(nil, []byte{1, 2, 3}, 0)
	require.ErrorIs(t, err, ErrLengthSize)
}

func TestAppendParameterSets(t *testing.T) {
	t.Parallel()
	got := AppendParameterSets(nil, [][]byte{testSPS, nil, testPPS})
	want := append(append(append([]byte{0, 0, 0, 1}, testSPS...), 0, 0, 0, 1), testPPS...)
	require.Equal(t, want, got)
	require.True(t, StartsWithSPS(got))
}

func TestStartsWithSPS(t *testing.T) {
	t.Parallel()
	require.False(t, StartsWithSPS([]byte{0, 0, 0, 1, 0x65, 0x88}))
	require.False(t, StartsWithSPS(nil))
}

func TestContainsKeyframe(t *testing.T) {
	t.Parallel()
	require.True(t, ContainsKeyframe([]byte{0, 0, 0, 1, 0x09, 0xF0, 0, 0, 0, 1, 0x65, 0x88}))
	require.False(t, ContainsKeyframe([]byte{0, 0, 0, 1, 0x41, 0x9A}))
}

func TestExtractParameterSets(t *testing.T) {
	t.Parallel()
	sets := ExtractParameterSets([][]byte{testPPS, {0x65, 0x88}, testSPS})
	require.Equal(t, [][]byte{testSPS, testPPS}, sets)

	require.Nil(t, ExtractParameterSets([][]byte{testPPS, {0x41}}))
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	info, err := Describe([][]byte{testSPS, testPPS})
	require.NoError(t, err)
	require.Equal(t, 16, info.Width)
	require.Equal(t, 16, info.Height)
	require.Equal(t, 66, info.Profile)
	require.Equal(t, "avc1.42000A", info.CodecString())
}

func TestDescribeWithoutSPS(t *testing.T) {
	t.Parallel()
	_, err := Describe([][]byte{testPPS})
	require.Error(t, err)
}
