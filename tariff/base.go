package tariff

import (
	"fmt"

	"github.com/warp/care-billing/care"
)

// BaseService is the per-day base line of a normal-scale day service
// (7 to 8 hours). Scale differences are carried by the area rate.
type BaseService struct {
	CareLevel   care.CareLevel
	Units       care.Units
	ServiceCode string
	Name        string
}

// PriceCode is the tenant price-catalog code of the base line.
func (b BaseService) PriceCode() string { return "day_service_" + string(b.CareLevel) }

var baseServices = map[care.CareLevel]BaseService{
	care.CareLevel1: {CareLevel: care.CareLevel1, Units: care.MustUnits(658), ServiceCode: "151111", Name: "通所介護(要介護1)"},
	care.CareLevel2: {CareLevel: care.CareLevel2, Units: care.MustUnits(777), ServiceCode: "151121", Name: "通所介護(要介護2)"},
	care.CareLevel3: {CareLevel: care.CareLevel3, Units: care.MustUnits(900), ServiceCode: "151131", Name: "通所介護(要介護3)"},
	care.CareLevel4: {CareLevel: care.CareLevel4, Units: care.MustUnits(1023), ServiceCode: "151141", Name: "通所介護(要介護4)"},
	care.CareLevel5: {CareLevel: care.CareLevel5, Units: care.MustUnits(1148), ServiceCode: "151151", Name: "通所介護(要介護5)"},
}

// BaseServiceFor returns the base service of a care level.
func BaseServiceFor(level care.CareLevel) (BaseService, error) {
	b, ok := baseServices[level]
	if !ok {
		return BaseService{}, fmt.Errorf("no base service for care level %q", level)
	}
	return b, nil
}

// CareLevels lists the known levels in ascending order.
func CareLevels() []care.CareLevel {
	return []care.CareLevel{care.CareLevel1, care.CareLevel2, care.CareLevel3, care.CareLevel4, care.CareLevel5}
}
