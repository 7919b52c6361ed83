package models

import "strings"

// OrganelleType names one class of sub-cellular structure.
type OrganelleType string

const (
	Mitochondria OrganelleType = "mitochondria"
	// MembranousOrganelle is abbreviated MO in the tracking exports.
	MembranousOrganelle OrganelleType = "MO"
	Pseudopod           OrganelleType = "pseudopod"
	Nucleus             OrganelleType = "nucleus"
	Cell                OrganelleType = "sperm_cell"
)

// AllOrganelles lists the known types in processing order.
var AllOrganelles = []OrganelleType{Pseudopod, Nucleus, Cell, Mitochondria, MembranousOrganelle}

// IsMultiInstance reports whether the organelle occurs in several tracked
// copies per cell.
func (o OrganelleType) IsMultiInstance() bool {
	return o == Mitochondria || o == MembranousOrganelle
}

// IsDirectional reports whether a principal direction is meaningful.
func (o OrganelleType) IsDirectional() bool {
	return o == Pseudopod
}

// ParseOrganelle resolves a name case-insensitively. It reports false for
// unknown names.
func ParseOrganelle(name string) (OrganelleType, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, o := range AllOrganelles {
		if strings.ToLower(string(o)) == n {
			return o, true
		}
	}
	return "", false
}
