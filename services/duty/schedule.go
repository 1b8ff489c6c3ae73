package duty

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AnyOrigin matches every origin country in a tariff line
const AnyOrigin = "*"

//go:embed default_schedule.yaml
var defaultScheduleYAML []byte

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("origin", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == AnyOrigin || (len(s) == 2 && strings.ToUpper(s) == s)
	})
	_ = v.RegisterValidation("hsprefix", func(fl validator.FieldLevel) bool {
		n := len(fl.Field().String())
		return n == 2 || n == 4 || n == 6
	})
	return v
}

// Rate is a decimal read from YAML as a string or number
type Rate struct {
	decimal.Decimal
}

// UnmarshalYAML implements yaml.Unmarshaler
func (r *Rate) UnmarshalYAML(node *yaml.Node) error {
	d, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q", node.Line, node.Value)
	}
	r.Decimal = d
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (r Rate) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// TariffLine is an ad valorem rate plus an optional per-kilogram amount for
// an HS prefix and origin
type TariffLine struct {
	HSPrefix      string `yaml:"hsPrefix" validate:"required,numeric,hsprefix"`
	Origin        string `yaml:"origin" validate:"required,origin"`
	Rate          Rate   `yaml:"rate"`
	SpecificPerKg Rate   `yaml:"specificPerKg"`
}

// DestinationRates holds one import country's tax parameters
type DestinationRates struct {
	GSTRate         Rate         `yaml:"gstRate"`
	DefaultDutyRate Rate         `yaml:"defaultDutyRate"`
	DeMinimis       Rate         `yaml:"deMinimis"`
	Tariffs         []TariffLine `yaml:"tariffs" validate:"dive"`
}

// Schedule is a versioned set of duty and GST rates keyed by destination
type Schedule struct {
	Version      string                      `yaml:"version" validate:"required"`
	Destinations map[string]DestinationRates `yaml:"destinations" validate:"required,dive,keys,len=2,uppercase,endkeys"`
}

// DefaultSchedule returns the built-in schedule
func DefaultSchedule() *Schedule {
	s, err := ParseSchedule(defaultScheduleYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in duty schedule is invalid: %v", err))
	}
	return s
}

// LoadSchedule reads a schedule file; an empty path returns the built-in one
func LoadSchedule(path string) (*Schedule, error) {
	if path == "" {
		return DefaultSchedule(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read duty schedule: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML schedule
func ParseSchedule(data []byte) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode duty schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks structure and that every rate and threshold is non-negative
func (s *Schedule) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid duty schedule: %w", err)
	}
	for dest, d := range s.Destinations {
		for name, r := range map[string]Rate{"gstRate": d.GSTRate, "defaultDutyRate": d.DefaultDutyRate, "deMinimis": d.DeMinimis} {
			if r.IsNegative() {
				return fmt.Errorf("invalid duty schedule: %s %s is negative", dest, name)
			}
		}
		for i, t := range d.Tariffs {
			if t.Rate.IsNegative() || t.SpecificPerKg.IsNegative() {
				return fmt.Errorf("invalid duty schedule: %s tariff %d has a negative rate", dest, i)
			}
		}
	}
	return nil
}

// Destination returns the rates for a destination country
func (s *Schedule) Destination(country string) (DestinationRates, bool) {
	d, ok := s.Destinations[country]
	return d, ok
}

// prefixLengths are tried longest first
var prefixLengths = []int{6, 4, 2}

// Lookup resolves the tariff for an HS code and origin. Origin-specific
// lines are tried at 6, 4 then 2 digits before any-origin lines; with no
// match the destination default applies.
func (d DestinationRates) Lookup(hsCode, origin string) (rate, perKg decimal.Decimal) {
	for _, o := range []string{origin, AnyOrigin} {
		for _, n := range prefixLengths {
			if len(hsCode) < n {
				continue
			}
			prefix := hsCode[:n]
			for _, t := range d.Tariffs {
				if t.Origin == o && t.HSPrefix == prefix {
					return t.Rate.Decimal, t.SpecificPerKg.Decimal
				}
			}
		}
	}
	return d.DefaultDutyRate.Decimal, decimal.Zero
}
