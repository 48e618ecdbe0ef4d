/*
Package tariff holds the national day-service tariff tables.

PURPOSE:
  Everything here is a pure lookup. No table reads the database or the
  clock; callers pass the date they price for.

KEY CONCEPTS:
  - Addition:     closed catalog of surcharges selected by contract flags
  - BaseService:  per-care-level base units for one day of service
  - AreaGrades:   city + facility scale -> yen per unit, by revision date
  - BenefitLimits: monthly unit ceiling + copayment share per client

ADDING AN ADDITION:
  1. Add a constant before additionSentinel
  2. Fill in every switch in this file (the catalog test walks all of them)
  3. Add a price listing with the new PriceCode() to each tenant
*/
package tariff

import (
	"fmt"

	"github.com/warp/care-billing/care"
)

// =============================================================================
// ADDITION CATALOG
// =============================================================================

// Addition is one surcharge of the closed catalog. Every method switches over
// the full set and panics on a value outside it: a missing case is a defect
// caught by TestCatalog_EveryAdditionIsComplete, not a runtime branch.
type Addition int

const (
	AdditionBathing Addition = iota + 1
	AdditionIndividualFunctionalTraining

	additionSentinel
)

// Catalog returns every addition in catalog order.
func Catalog() []Addition {
	all := make([]Addition, 0, int(additionSentinel)-1)
	for a := AdditionBathing; a < additionSentinel; a++ {
		all = append(all, a)
	}
	return all
}

// ParseAddition resolves a stable code back to its addition.
func ParseAddition(code string) (Addition, error) {
	for _, a := range Catalog() {
		if a.Code() == code {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown addition code %q", code)
}

// Code is the stable symbol used for line identity and price lookup.
func (a Addition) Code() string {
	switch a {
	case AdditionBathing:
		return "bathing"
	case AdditionIndividualFunctionalTraining:
		return "individual_functional_training"
	default:
		panic(fmt.Sprintf("tariff: unknown addition %d", int(a)))
	}
}

func (a Addition) Name() string {
	switch a {
	case AdditionBathing:
		return "入浴介助加算"
	case AdditionIndividualFunctionalTraining:
		return "個別機能訓練加算"
	default:
		panic(fmt.Sprintf("tariff: unknown addition %d", int(a)))
	}
}

// Units is the fixed unit count billed per service day.
func (a Addition) Units() care.Units {
	switch a {
	case AdditionBathing:
		return care.MustUnits(40)
	case AdditionIndividualFunctionalTraining:
		return care.MustUnits(76)
	default:
		panic(fmt.Sprintf("tariff: unknown addition %d", int(a)))
	}
}

// ServiceCode is the external tariff code used on claim reports.
func (a Addition) ServiceCode() string {
	switch a {
	case AdditionBathing:
		return "155301"
	case AdditionIndividualFunctionalTraining:
		return "155051"
	default:
		panic(fmt.Sprintf("tariff: unknown addition %d", int(a)))
	}
}

// PriceCode is the tenant price-catalog code. It equals Code today; the
// indirection lets a renamed addition keep its old listings.
func (a Addition) PriceCode() string {
	switch a {
	case AdditionBathing, AdditionIndividualFunctionalTraining:
		return a.Code()
	default:
		panic(fmt.Sprintf("tariff: unknown addition %d", int(a)))
	}
}

// Enabled reports whether the contract flags switch this addition on.
func (a Addition) Enabled(flags care.ServiceFlags) bool {
	switch a {
	case AdditionBathing:
		return flags.Bath
	case AdditionIndividualFunctionalTraining:
		return flags.Rehabilitation
	default:
		panic(fmt.Sprintf("tariff: unknown addition %d", int(a)))
	}
}

// SortOrder places addition lines after the base service line (order 0).
func (a Addition) SortOrder() int { return int(a) }

func (a Addition) String() string { return a.Code() }

// ApplicableAdditions returns the additions enabled by flags, in catalog
// order. The same flags always yield the same slice.
func ApplicableAdditions(flags care.ServiceFlags) []Addition {
	var result []Addition
	for _, a := range Catalog() {
		if a.Enabled(flags) {
			result = append(result, a)
		}
	}
	return result
}

// AdditionUnits sums the units of the given additions.
func AdditionUnits(additions []Addition) care.Units {
	var total care.Units
	for _, a := range additions {
		total = total.Add(a.Units())
	}
	return total
}
