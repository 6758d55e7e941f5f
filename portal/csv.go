/*
csv.go - Portal CSV export parsing

PURPOSE:
  Turns the portal's CSV export into Snapshots and normalized Records.

COLUMN ORDER (positional, no header contract):
  0 sim_number, 1 local_number, 2 israeli_number, 3 iccid, 4 status_raw,
  5 expiry_date, 6 plan, 7 start_date, 8 end_date, 9 note

ROW RULES:
  - Rows without an ICCID are discarded.
  - A first row whose ICCID cell has no digit is the header and is skipped.
  - Short rows are padded with empty cells.

STATUS MAPPING (ordered prefix match, first match wins):
  Rented            -> (rented, active)
  AvailableValid    -> (available, valid)
  AvailableExpiring -> (available, expiring)
  AvailableExpired  -> (available, expired)
  anything else     -> (available, unknown)

DATES:
  DD/MM/YYYY becomes YYYY-MM-DD. Anything else (including ISO input) is
  returned trimmed, so normalization is idempotent.
*/
package portal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/warp/simbridge/sim"
)

const (
	colSimNumber = iota
	colLocalNumber
	colIsraeliNumber
	colICCID
	colStatusRaw
	colExpiryDate
	colPlan
	colStartDate
	colEndDate
	colNote
	columnCount
)

// ParseExport parses the CSV export body into Snapshots.
func ParseExport(r io.Reader) ([]sim.Snapshot, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var out []sim.Snapshot
	first := true
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		isFirst := first
		first = false

		row := padRow(rec)
		iccid := strings.TrimSpace(row[colICCID])
		if iccid == "" {
			continue
		}
		if isFirst && !strings.ContainsAny(iccid, "0123456789") {
			continue
		}

		out = append(out, sim.Snapshot{
			SimNumber:     strings.TrimSpace(row[colSimNumber]),
			LocalNumber:   strings.TrimSpace(row[colLocalNumber]),
			IsraeliNumber: strings.TrimSpace(row[colIsraeliNumber]),
			ICCID:         iccid,
			StatusRaw:     strings.TrimSpace(row[colStatusRaw]),
			ExpiryDate:    NormalizeDate(row[colExpiryDate]),
			Plan:          strings.TrimSpace(row[colPlan]),
			StartDate:     NormalizeDate(row[colStartDate]),
			EndDate:       NormalizeDate(row[colEndDate]),
			Note:          strings.TrimSpace(row[colNote]),
		})
	}
	return out, nil
}

func padRow(rec []string) []string {
	if len(rec) >= columnCount {
		return rec
	}
	row := make([]string, columnCount)
	copy(row, rec)
	return row
}

// ToRecords maps snapshots to registry records stamped with syncedAt and generation.
func ToRecords(snaps []sim.Snapshot, prefixes StatusPrefixes, syncedAt time.Time, generation string) []sim.Record {
	records := make([]sim.Record, 0, len(snaps))
	for _, s := range snaps {
		status, detail := MapStatus(s.StatusRaw, prefixes)
		records = append(records, sim.Record{
			Snapshot:     s,
			Status:       status,
			StatusDetail: detail,
			LastSync:     syncedAt,
			Generation:   generation,
		})
	}
	return records
}

// MapStatus maps the raw portal status text to (status, detail).
func MapStatus(raw string, p StatusPrefixes) (sim.Status, sim.Detail) {
	raw = strings.TrimSpace(raw)
	rules := []struct {
		prefix string
		status sim.Status
		detail sim.Detail
	}{
		{p.Rented, sim.StatusRented, sim.DetailActive},
		{p.AvailableValid, sim.StatusAvailable, sim.DetailValid},
		{p.AvailableExpiring, sim.StatusAvailable, sim.DetailExpiring},
		{p.AvailableExpired, sim.StatusAvailable, sim.DetailExpired},
	}
	for _, rule := range rules {
		if rule.prefix != "" && strings.HasPrefix(raw, rule.prefix) {
			return rule.status, rule.detail
		}
	}
	return sim.StatusAvailable, sim.DetailUnknown
}

// NormalizeDate converts DD/MM/YYYY to YYYY-MM-DD.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return s
	}
	day, errD := strconv.Atoi(parts[0])
	month, errM := strconv.Atoi(parts[1])
	year, errY := strconv.Atoi(parts[2])
	if errD != nil || errM != nil || errY != nil || len(parts[2]) != 4 {
		return s
	}
	if day < 1 || day > 31 || month < 1 || month > 12 {
		return s
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
