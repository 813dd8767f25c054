package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Regions maps Ofgem region codes to their names.
var Regions = map[string]string{
	"A": "Eastern England",
	"B": "East Midlands",
	"C": "London",
	"D": "Merseyside and North Wales",
	"E": "West Midlands",
	"F": "North East England",
	"G": "North West England",
	"H": "Southern England",
	"J": "South Eastern England",
	"K": "South Wales",
	"L": "South Western England",
	"M": "Yorkshire",
	"N": "Southern Scotland",
	"P": "Northern Scotland",
}

// RegionCodes returns every known region code in order.
func RegionCodes() []string {
	codes := make([]string, 0, len(Regions))
	for code := range Regions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// RegionLabel returns the name of the region or an error if it is unknown.
func RegionLabel(code string) (string, error) {
	label, ok := Regions[code]
	if !ok {
		return "", fmt.Errorf("unknown region code: %q", code)
	}
	return label, nil
}

// TariffCode builds the electricity tariff code for a product and region.
func TariffCode(productCode, regionCode string) string {
	return "E-1R-" + productCode + "-" + regionCode
}

// TariffMetadata describes the product a region is subscribed to.
type TariffMetadata struct {
	ProductCode   string     `json:"product_code"`
	TariffCode    string     `json:"tariff_code"`
	FullName      string     `json:"full_name,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	Description   string     `json:"description,omitempty"`
	Brand         string     `json:"brand,omitempty"`
	IsVariable    bool       `json:"is_variable"`
	AvailableFrom *time.Time `json:"available_from,omitempty"`
	RegionCode    string     `json:"region_code"`
	RegionLabel   string     `json:"region_label"`
}

// StandingCharge is the daily standing charge in p/day.
type StandingCharge struct {
	ValueIncVAT decimal.Decimal `json:"value_inc_vat"`
	ValueExcVAT decimal.Decimal `json:"value_exc_vat"`
	ValidFrom   *time.Time      `json:"valid_from,omitempty"`
	ValidTo     *time.Time      `json:"valid_to,omitempty"`
	Unit        string          `json:"unit"`
}

// GBPPerDay converts the VAT-inclusive charge to pounds.
func (s StandingCharge) GBPPerDay() decimal.Decimal {
	return s.ValueIncVAT.Div(decimal.NewFromInt(100))
}
