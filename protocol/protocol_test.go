package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	pkt, err := Parse("msg|2|hello\\|world\\, again\\nbye\n")
	require.NoError(t, err)
	require.Equal(t, "msg", pkt.Type)
	require.Equal(t, []string{"2", "hello|world, again\nbye"}, pkt.Fields)

	id, err := pkt.ID(0)
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	_, err = pkt.ID(1)
	require.Error(t, err)
	require.Equal(t, "", pkt.Field(5))
	require.Equal(t, 7, pkt.IntOr(3, 7))

	pkt, err = Parse("ping\r\n")
	require.NoError(t, err)
	require.Equal(t, "ping", pkt.Type)
	require.Empty(t, pkt.Fields)

	_, err = Parse("|x")
	require.Equal(t, ErrInvalidPacket, err)
}

func TestList(t *testing.T) {
	pkt, err := Parse("gnew|team|2, 3,,4")
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "4"}, pkt.List(1))
	require.Nil(t, pkt.List(2))
}

func TestFormatRoundTrip(t *testing.T) {
	text := "a|b,c\\d\ne"
	line := Format("msg", "1", text)
	require.Equal(t, "msg|1|a\\|b\\,c\\\\d\\ne\n", line)

	pkt, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, []string{"1", text}, pkt.Fields)
}

func TestRecords(t *testing.T) {
	line := FormatRecords("hist", []string{"2"}, [][]string{
		{"10", "1", "hi, there", "SENT"},
		{"11", "2", "pipe|inside", "READ"},
	})
	require.Equal(t, "hist|2|10|1|hi\\, there|SENT,11|2|pipe\\|inside|READ\n", line)

	pktType, head, records, err := ParseRecords(line, 1)
	require.NoError(t, err)
	require.Equal(t, "hist", pktType)
	require.Equal(t, []string{"2"}, head)
	require.Equal(t, [][]string{
		{"10", "1", "hi, there", "SENT"},
		{"11", "2", "pipe|inside", "READ"},
	}, records)

	_, _, records, err = ParseRecords(FormatRecords("unread", nil, nil), 0)
	require.NoError(t, err)
	require.Empty(t, records)
}
