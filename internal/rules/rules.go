// Package rules holds the tunables of the correlation engine: window width,
// distinct-merchant threshold and the monitored event types. Rules come from
// flags (Static) or from a YAML file that is hot-reloaded (Loader).
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/tripwire/internal/event"
)

const (
	DefaultWindow            = time.Minute
	DefaultMerchantThreshold = 1
)

// Rules configures one correlation evaluation.
type Rules struct {
	Window            time.Duration
	MerchantThreshold int
	MonitoredTypes    []event.Type
}

// Default returns the built-in rules.
func Default() Rules {
	return Rules{
		Window:            DefaultWindow,
		MerchantThreshold: DefaultMerchantThreshold,
		MonitoredTypes: []event.Type{
			event.TypeCheckoutFailed,
			event.TypeAPIError,
			event.TypeWebhookFailed,
		},
	}
}

// WindowMinutes returns the window width in whole minutes.
func (r Rules) WindowMinutes() int {
	return int(r.Window / time.Minute)
}

// Validate checks the rules for correctness.
func (r Rules) Validate() error {
	var errs []error
	if r.Window < time.Minute || r.Window%time.Minute != 0 {
		errs = append(errs, fmt.Errorf("window %s must be a positive whole number of minutes", r.Window))
	}
	if r.MerchantThreshold < 1 {
		errs = append(errs, fmt.Errorf("merchant threshold %d must be >= 1", r.MerchantThreshold))
	}
	if len(r.MonitoredTypes) == 0 {
		errs = append(errs, errors.New("at least one monitored event type is required"))
	}
	for _, t := range r.MonitoredTypes {
		switch t {
		case event.TypeCheckoutFailed, event.TypeAPIError, event.TypeWebhookFailed:
		default:
			errs = append(errs, fmt.Errorf("event type %q cannot be monitored (no error_code)", t))
		}
	}
	return errors.Join(errs...)
}

// Source yields the rules in effect for the next evaluation.
type Source interface {
	Rules() Rules
}

// Static is a Source that never changes.
type Static Rules

// Rules implements Source.
func (s Static) Rules() Rules {
	r := Rules(s)
	r.MonitoredTypes = append([]event.Type(nil), s.MonitoredTypes...)
	return r
}
