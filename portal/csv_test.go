package portal

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/simbridge/sim"
)

func TestMapStatus(t *testing.T) {
	p := DefaultOptions().StatusPrefixes

	tests := []struct {
		raw    string
		status sim.Status
		detail sim.Detail
	}{
		{"מושכר", sim.StatusRented, sim.DetailActive},
		{"מושכר ללקוח עד 31/01", sim.StatusRented, sim.DetailActive},
		{"פנוי - בתוקף", sim.StatusAvailable, sim.DetailValid},
		{"  פנוי - בתוקף עד 15/03", sim.StatusAvailable, sim.DetailValid},
		{"פנוי - עומד לפוג", sim.StatusAvailable, sim.DetailExpiring},
		{"פנוי - פג תוקף", sim.StatusAvailable, sim.DetailExpired},
		{"בהקפאה", sim.StatusAvailable, sim.DetailUnknown},
		{"", sim.StatusAvailable, sim.DetailUnknown},
		{"פנוי", sim.StatusAvailable, sim.DetailUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			status, detail := MapStatus(tt.raw, p)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.detail, detail)
		})
	}
}

func TestMapStatus_FirstMatchWins(t *testing.T) {
	// GIVEN: Overlapping prefixes where the rented rule is listed first
	p := StatusPrefixes{Rented: "A", AvailableValid: "AB"}

	// WHEN/THEN: "AB..." matches the rented rule
	status, detail := MapStatus("ABC", p)
	assert.Equal(t, sim.StatusRented, status)
	assert.Equal(t, sim.DetailActive, detail)
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"15/03/2026", "2026-03-15"},
		{"1/2/2026", "2026-02-01"},
		{" 31/12/2025 ", "2025-12-31"},
		{"2026-03-15", "2026-03-15"},
		{"", ""},
		{"32/01/2026", "32/01/2026"},
		{"15/13/2026", "15/13/2026"},
		{"15/03/26", "15/03/26"},
		{"soon", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeDate(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizeDate(got), "normalization must be idempotent")
		})
	}
}

func TestParseExport_Fixture(t *testing.T) {
	// GIVEN: The captured export with a header, a row without ICCID and a short row
	snaps, err := ParseExport(bytes.NewReader(readFixture(t, "export_utf8.csv")))

	// THEN: Header and ICCID-less rows are dropped
	require.NoError(t, err)
	require.Len(t, snaps, 5)

	first := snaps[0]
	assert.Equal(t, "1001", first.SimNumber)
	assert.Equal(t, "+1 212 555 0101", first.LocalNumber)
	assert.Equal(t, "054-1234501", first.IsraeliNumber)
	assert.Equal(t, "89971234567890123456", first.ICCID)
	assert.Equal(t, "פנוי - בתוקף", first.StatusRaw)
	assert.Equal(t, "2026-03-15", first.ExpiryDate)
	assert.Equal(t, "EU 30GB", first.Plan)

	rented := snaps[1]
	assert.Equal(t, "2026-01-01", rented.StartDate)
	assert.Equal(t, "2026-01-31", rented.EndDate)
	assert.Equal(t, "משה, חדר 12", rented.Note)

	assert.Equal(t, "2026-02-20", snaps[2].ExpiryDate, "ISO dates pass through")

	short := snaps[4]
	assert.Equal(t, "89971234567890123496", short.ICCID)
	assert.Empty(t, short.Plan)
	assert.Empty(t, short.Note)
}

func TestParseExport_WithoutHeader(t *testing.T) {
	body := "1001,,,89971234567890123456,פנוי - בתוקף,15/03/2026,EU,,,\n"
	snaps, err := ParseExport(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "89971234567890123456", snaps[0].ICCID)
}

func TestParseExport_HeaderOnly(t *testing.T) {
	snaps, err := ParseExport(bytes.NewReader(readFixture(t, "export_empty.csv")))
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestParseExport_Windows1255(t *testing.T) {
	// GIVEN: The same export encoded as the portal serves it
	cd, err := newCodec("windows-1255")
	require.NoError(t, err)
	body, err := cd.decode(readFixture(t, "export_cp1255.csv"))
	require.NoError(t, err)

	// WHEN: Parsing the decoded text
	snaps, err := ParseExport(strings.NewReader(body))

	// THEN: Hebrew status text survives and maps normally
	require.NoError(t, err)
	require.Len(t, snaps, 5)
	status, detail := MapStatus(snaps[0].StatusRaw, DefaultOptions().StatusPrefixes)
	assert.Equal(t, sim.StatusAvailable, status)
	assert.Equal(t, sim.DetailValid, detail)
	assert.Equal(t, "משה, חדר 12", snaps[1].Note)
}

func TestToRecords(t *testing.T) {
	snaps, err := ParseExport(bytes.NewReader(readFixture(t, "export_utf8.csv")))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	records := ToRecords(snaps, DefaultOptions().StatusPrefixes, at, "gen-1")
	require.Len(t, records, 5)

	got := make([]string, 0, len(records))
	for _, r := range records {
		assert.Equal(t, at, r.LastSync)
		assert.Equal(t, "gen-1", r.Generation)
		got = append(got, string(r.Status)+"/"+string(r.StatusDetail))
	}
	assert.Equal(t, []string{
		"available/valid",
		"rented/active",
		"available/expiring",
		"available/expired",
		"available/unknown",
	}, got)
}

func TestCodec_UnknownCharset(t *testing.T) {
	_, err := newCodec("klingon-8")
	assert.Error(t, err)
}

func TestCodec_StripsUTF8BOM(t *testing.T) {
	cd, err := newCodec("")
	require.NoError(t, err)
	got, err := cd.decode([]byte("\xef\xbb\xbfa,b"))
	require.NoError(t, err)
	assert.Equal(t, "a,b", got)
}
