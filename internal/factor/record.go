// Package factor turns raw import rows into typed emission-factor records.
package factor

import "github.com/shopspring/decimal"

// Column names of the import file format.
const (
	ColID            = "ID"
	ColName          = "Nom"
	ColDescription   = "Description"
	ColValue         = "FE"
	ColUnit          = "Unité donnée d'activité"
	ColSource        = "Source"
	ColSector        = "Secteur"
	ColSubsector     = "Sous-secteur"
	ColLocation      = "Localisation"
	ColYear          = "Date"
	ColUncertainty   = "Incertitude"
	ColScope         = "Périmètre"
	ColContributor   = "Contributeur"
	ColComments      = "Commentaires"
	ColNameEN        = "Nom_en"
	ColDescriptionEN = "Description_en"
	ColCommentsEN    = "Commentaires_en"
	ColSectorEN      = "Secteur_en"
	ColSubsectorEN   = "Sous-secteur_en"
	ColScopeEN       = "Périmètre_en"
	ColLocationEN    = "Localisation_en"
	ColUnitEN        = "Unite_en"
)

// Record is one validated emission factor ready for an SCD2 write. JSON
// names match the record type of the bulk upsert procedure.
type Record struct {
	FactorKey     string          `json:"factor_key"`
	VersionID     string          `json:"version_id"`
	Language      string          `json:"language"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	ImportJobID   string          `json:"import_job_id,omitempty"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Value         decimal.Decimal `json:"value"`
	Unit          string          `json:"unit"`
	Source        string          `json:"source"`
	Sector        string          `json:"sector,omitempty"`
	Subsector     string          `json:"subsector,omitempty"`
	Location      string          `json:"location"`
	Year          int             `json:"year"`
	Uncertainty   string          `json:"uncertainty,omitempty"`
	Scope         string          `json:"scope"`
	Contributor   string          `json:"contributor,omitempty"`
	Comments      string          `json:"comments,omitempty"`
	NameEN        string          `json:"name_en,omitempty"`
	DescriptionEN string          `json:"description_en,omitempty"`
	CommentsEN    string          `json:"comments_en,omitempty"`
	SectorEN      string          `json:"sector_en,omitempty"`
	SubsectorEN   string          `json:"subsector_en,omitempty"`
	ScopeEN       string          `json:"scope_en,omitempty"`
	LocationEN    string          `json:"location_en,omitempty"`
	UnitEN        string          `json:"unit_en,omitempty"`
}
