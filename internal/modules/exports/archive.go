// Package exports builds and serves order-archive export jobs. A worker
// claims queued jobs, assembles a zip with one CSV per delivery date in
// the requested range plus a manifest, uploads it to blob storage and
// publishes the artifact on the job document.
package exports

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/domain"
)

// OrdersReader loads the finalized orders covered by an export range.
// Satisfied by orders.OrdersRepository.
type OrdersReader interface {
	FinalizedBetween(route string, from, to time.Time, schedule string) ([]domain.Order, error)
}

// CorrectionsReader loads the corrections joined onto each day's rows.
// Satisfied by orders.CorrectionsRepository.
type CorrectionsReader interface {
	ForDelivery(route string, delivery time.Time) ([]domain.Correction, error)
}

// Archive is a built export artifact ready for upload.
type Archive struct {
	Data    []byte
	Parts   []domain.ArtifactPart
	Partial bool
}

// Builder assembles export archives from the relational order store.
type Builder struct {
	orders      OrdersReader
	corrections CorrectionsReader
	log         zerolog.Logger
}

// NewBuilder creates a new archive builder.
func NewBuilder(ordersRepo OrdersReader, correctionsRepo CorrectionsReader, log zerolog.Logger) *Builder {
	return &Builder{
		orders:      ordersRepo,
		corrections: correctionsRepo,
		log:         log.With().Str("service", "exports").Logger(),
	}
}

var csvHeader = []string{
	"order_id", "schedule_key", "store_id", "sap",
	"units", "cases", "case_pack", "promo",
	"forecasted_units", "user_adjusted",
	"predicted_units", "correction_delta", "removed",
}

// manifest is the machine-readable index written into every archive.
type manifest struct {
	RouteNumber string        `json:"route_number"`
	FromDate    string        `json:"from_date"`
	ToDate      string        `json:"to_date"`
	Format      string        `json:"format"`
	GeneratedAt time.Time     `json:"generated_at"`
	Days        []manifestDay `json:"days"`
	TotalRows   int           `json:"total_rows"`
}

type manifestDay struct {
	Date  string `json:"date"`
	Name  string `json:"name"`
	Rows  int    `json:"rows,omitempty"`
	Error string `json:"error,omitempty"`
}

type exportDay struct {
	date   time.Time
	orders []domain.Order
}

// Build assembles the zip for the job's range. A range with no finalized
// orders fails with NO_ARCHIVE_DATA_IN_RANGE. Days whose rows cannot be
// assembled become failed parts and the archive is marked partial; the
// build only errors outright when every day fails.
func (b *Builder) Build(job *domain.QueueJob, now time.Time) (*Archive, error) {
	orders, err := b.orders.FinalizedBetween(job.RouteNumber, job.FromDate, job.ToDate, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load orders for export: %w", err)
	}
	if len(orders) == 0 {
		return nil, domain.NewError(domain.ErrNoArchiveDataInRange,
			"no finalized orders between %s and %s",
			domain.FormatDate(job.FromDate), domain.FormatDate(job.ToDate))
	}

	days := groupByDelivery(orders)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	man := manifest{
		RouteNumber: job.RouteNumber,
		FromDate:    domain.FormatDate(job.FromDate),
		ToDate:      domain.FormatDate(job.ToDate),
		Format:      job.Format,
		GeneratedAt: now.UTC(),
	}
	var parts []domain.ArtifactPart
	failed := 0

	for _, day := range days {
		date := domain.FormatDate(day.date)
		name := date + ".csv"

		data, rows, err := b.dayCSV(job.RouteNumber, day)
		if err != nil {
			b.log.Warn().Err(err).
				Str("route", job.RouteNumber).
				Str("date", date).
				Msg("Export day failed")
			parts = append(parts, domain.ArtifactPart{Name: name, Failed: true, Error: err.Error()})
			man.Days = append(man.Days, manifestDay{Date: date, Name: name, Error: err.Error()})
			failed++
			continue
		}

		if err := writeZipEntry(zw, name, data); err != nil {
			return nil, err
		}
		parts = append(parts, domain.ArtifactPart{Name: name, SizeBytes: int64(len(data))})
		man.Days = append(man.Days, manifestDay{Date: date, Name: name, Rows: rows})
		man.TotalRows += rows
	}

	if failed == len(days) {
		return nil, domain.NewRetryableError(domain.ErrExportProcessing,
			"every delivery date in the range failed to assemble")
	}

	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeZipEntry(zw, "manifest.json", manData); err != nil {
		return nil, err
	}
	parts = append(parts, domain.ArtifactPart{Name: "manifest.json", SizeBytes: int64(len(manData))})

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	return &Archive{Data: buf.Bytes(), Parts: parts, Partial: failed > 0}, nil
}

// dayCSV renders one delivery date: every finalized line left-joined
// with its correction, then rows for lines the operator removed
// entirely, which exist only as corrections.
func (b *Builder) dayCSV(route string, day exportDay) ([]byte, int, error) {
	corrections, err := b.corrections.ForDelivery(route, day.date)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load corrections: %w", err)
	}

	type lineKey struct{ orderID, storeID, sap string }
	open := make(map[lineKey]domain.Correction, len(corrections))
	for _, c := range corrections {
		open[lineKey{c.OrderID, c.StoreID, c.SAP}] = c
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(csvHeader); err != nil {
		return nil, 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	rows := 0
	for _, o := range day.orders {
		for _, l := range o.Lines {
			predicted, delta, removed := "", "", "false"
			key := lineKey{o.ID, l.StoreID, l.SAP}
			if c, ok := open[key]; ok {
				predicted = strconv.Itoa(c.PredictedUnits)
				delta = strconv.Itoa(c.Delta)
				removed = strconv.FormatBool(c.Removed)
				delete(open, key)
			}
			rec := []string{
				o.ID, o.ScheduleKey, l.StoreID, l.SAP,
				strconv.Itoa(l.Units), strconv.Itoa(l.Cases), strconv.Itoa(l.CasePack),
				strconv.FormatBool(l.Promo),
				optInt(l.ForecastedUnits), strconv.FormatBool(l.UserAdjusted),
				predicted, delta, removed,
			}
			if err := cw.Write(rec); err != nil {
				return nil, 0, fmt.Errorf("failed to write csv row: %w", err)
			}
			rows++
		}
	}

	// Removed lines carry zero final units and never matched a line above.
	for _, c := range corrections {
		key := lineKey{c.OrderID, c.StoreID, c.SAP}
		if _, ok := open[key]; !ok || !c.Removed {
			continue
		}
		rec := []string{
			c.OrderID, c.ScheduleKey, c.StoreID, c.SAP,
			"0", "0", "0",
			strconv.FormatBool(c.Promo),
			"", "false",
			strconv.Itoa(c.PredictedUnits), strconv.Itoa(c.Delta), "true",
		}
		if err := cw.Write(rec); err != nil {
			return nil, 0, fmt.Errorf("failed to write csv row: %w", err)
		}
		rows++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, 0, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), rows, nil
}

// groupByDelivery splits orders into per-date buckets, dates ascending,
// orders within a date sorted by id for stable output.
func groupByDelivery(orders []domain.Order) []exportDay {
	byDate := make(map[string]*exportDay)
	for _, o := range orders {
		key := domain.FormatDate(o.DeliveryDate)
		day, ok := byDate[key]
		if !ok {
			day = &exportDay{date: domain.TruncateToDate(o.DeliveryDate)}
			byDate[key] = day
		}
		day.orders = append(day.orders, o)
	}

	days := make([]exportDay, 0, len(byDate))
	for _, day := range byDate {
		sort.Slice(day.orders, func(i, j int) bool { return day.orders[i].ID < day.orders[j].ID })
		days = append(days, *day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].date.Before(days[j].date) })
	return days
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create archive entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write archive entry %s: %w", name, err)
	}
	return nil
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
