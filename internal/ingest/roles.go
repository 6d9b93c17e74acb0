package ingest

import (
	"strings"

	"github.com/permitsight/permitsight/pipeline/pkg/models"
)

// Role vocabularies differ per source: the building feed tags each row
// with one of eleven contact types, the electrical feed uses three, and
// the plumbing feed carries no tag at all (every row is the contractor of
// record). Everything unrecognized maps to "other" rather than being
// dropped.

var buildingRoles = map[string]models.Role{
	"CONTRACTOR":       models.RoleContractor,
	"ARCHITECT":        models.RoleArchitect,
	"ENGINEER":         models.RoleEngineer,
	"AGENT":            models.RoleAgent,
	"PERMIT EXPEDITER": models.RoleExpediter,
	"DESIGNER":         models.RoleDesigner,
	"OWNER":            models.RoleOwner,
	"LESSEE":           models.RoleLessee,
	"PAYOR":            models.RolePayor,
	"PROJECT CONTACT":  models.RoleProjectContact,
	"ATTORNEY":         models.RoleAttorney,
}

var electricalRoles = map[string]models.Role{
	"CONTRACTOR":    models.RoleContractor,
	"SUBCONTRACTOR": models.RoleSubcontractor,
	"AGENT":         models.RoleAgent,
}

// CanonicalRole maps a raw source role tag to the canonical vocabulary.
func CanonicalRole(source, raw string) models.Role {
	key := strings.ToUpper(strings.TrimSpace(raw))
	switch source {
	case models.SourceBuilding:
		if r, ok := buildingRoles[key]; ok {
			return r
		}
	case models.SourceElectrical:
		if r, ok := electricalRoles[key]; ok {
			return r
		}
	case models.SourcePlumbing:
		// no role column in the plumbing feed
		return models.RoleContractor
	}
	return models.RoleOther
}
