package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// IncotermDDP is the only incoterm supported: the seller bears duty and tax.
const IncotermDDP = "DDP"

// ShipmentInput holds the declared facts a duty calculation depends on
type ShipmentInput struct {
	HSCode             string          `json:"hsCode" validate:"required,numeric,min=2,max=10"`
	DeclaredValue      decimal.Decimal `json:"declaredValue"`
	Currency           string          `json:"currency" validate:"required,len=3,uppercase"`
	WeightKg           decimal.Decimal `json:"weightKg"`
	OriginCountry      string          `json:"originCountry" validate:"required,iso3166_1_alpha2"`
	DestinationCountry string          `json:"destinationCountry" validate:"required,iso3166_1_alpha2"`
}

// Money is a currency amount fixed at two decimal places.
type Money struct {
	decimal.Decimal
}

// NewMoney rounds d half-up to two decimal places
func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: d.Round(2)}
}

// MarshalJSON renders the amount as a fixed two-place string
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.StringFixed(2) + `"`), nil
}

// DutyCalculation is the result of a duty/GST computation. Amounts carry two
// decimal places in the declared currency.
type DutyCalculation struct {
	HSCode           string          `json:"hsCode"`
	CustomsDuty      Money           `json:"customsDuty"`
	GST              Money           `json:"gst"`
	Currency         string          `json:"currency"`
	DutiableValue    Money           `json:"dutiableValue"`
	DutyRate         decimal.Decimal `json:"dutyRate"`
	GSTRate          decimal.Decimal `json:"gstRate"`
	DeMinimisApplied bool            `json:"deMinimisApplied"`
	ScheduleVersion  string          `json:"scheduleVersion"`
}

// Total returns duty plus GST
func (d DutyCalculation) Total() Money {
	return NewMoney(d.CustomsDuty.Add(d.GST.Decimal))
}

// Shipment is an immutable, audited cross-border shipment.
type Shipment struct {
	ShipmentID         string          `json:"shipmentId"`
	RequestID          string          `json:"requestId"`
	OriginCountry      string          `json:"originCountry"`
	DestinationCountry string          `json:"destinationCountry"`
	Incoterm           string          `json:"incoterm"`
	DeclaredValue      decimal.Decimal `json:"declaredValue"`
	WeightKg           decimal.Decimal `json:"weightKg"`
	Duty               DutyCalculation `json:"duty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// NewShipment creates a DDP shipment from its input and calculated duty
func NewShipment(id, requestID string, in ShipmentInput, duty DutyCalculation, createdAt time.Time) Shipment {
	return Shipment{
		ShipmentID:         id,
		RequestID:          requestID,
		OriginCountry:      in.OriginCountry,
		DestinationCountry: in.DestinationCountry,
		Incoterm:           IncotermDDP,
		DeclaredValue:      in.DeclaredValue,
		WeightKg:           in.WeightKg,
		Duty:               duty,
		CreatedAt:          createdAt,
	}
}
