package forecast

import (
	"math"

	"github.com/routespark/routespark/internal/domain"
)

// ApplyCalibration reshapes every item's uncertainty band in place. The
// order matters: scale the band around p50 first (schedule scale times the
// line's source multiplier), then shift all three quantiles by the center
// offsets, clamp at zero, and restore p10 <= p50 <= p90.
func ApplyCalibration(items []domain.ForecastItem, band *domain.BandCalibration, sources map[domain.ForecastSource]domain.SourceCalibration) {
	scale := 1.0
	center := 0.0
	if band != nil {
		scale = band.BandScale
		center = band.CenterOffsetUnits
	}

	for i := range items {
		item := &items[i]

		mult := 1.0
		sourceCenter := 0.0
		if src, ok := sources[item.Source]; ok {
			mult = src.BandScaleMult
			sourceCenter = src.CenterOffsetUnits
		}

		s := scale * mult
		p10 := item.P50 - (item.P50-item.P10)*s
		p90 := item.P50 + (item.P90-item.P50)*s
		p50 := item.P50

		shift := center + sourceCenter
		p10 = math.Max(0, p10+shift)
		p50 = math.Max(0, p50+shift)
		p90 = math.Max(0, p90+shift)

		if p10 > p90 {
			p10, p90 = p90, p10
		}
		if p50 < p10 {
			p50 = p10
		}
		if p50 > p90 {
			p50 = p90
		}

		item.P10 = p10
		item.P50 = p50
		item.P90 = p90
	}
}
