package lesion

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dermrx/dermrx/internal/platform/fhir"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// LesionType is the closed set of classifications the inference service can
// assign to a region.
type LesionType string

const (
	Melanoma              LesionType = "melanoma"
	Nevus                 LesionType = "nevus"
	BasalCellCarcinoma    LesionType = "basal_cell_carcinoma"
	SquamousCellCarcinoma LesionType = "squamous_cell_carcinoma"
	ActinicKeratosis      LesionType = "actinic_keratosis"
	SeborrheicKeratosis   LesionType = "seborrheic_keratosis"
	BenignKeratosisLike   LesionType = "benign_keratosis-like_lesions"
	Dermatofibroma        LesionType = "dermatofibroma"
	MelanocyticNevi       LesionType = "melanocytic_Nevi"
	VascularLesion        LesionType = "vascular_lesions"
)

var validLesionTypes = map[LesionType]bool{
	Melanoma: true, Nevus: true, BasalCellCarcinoma: true,
	SquamousCellCarcinoma: true, ActinicKeratosis: true, SeborrheicKeratosis: true,
	BenignKeratosisLike: true, Dermatofibroma: true, MelanocyticNevi: true,
	VascularLesion: true,
}

// Valid reports whether t is one of the known lesion types.
func (t LesionType) Valid() bool { return validLesionTypes[t] }

// Provenance records where a region came from.
type Provenance string

const (
	ProvenanceDetected Provenance = "detected"
	ProvenanceManual   Provenance = "manual"
)

// Tracking seeds the synthetic growth chart for a region.
type Tracking struct {
	InitialSize float64   `json:"initialSize"`
	LastChecked time.Time `json:"lastChecked"`
	GrowthRate  float64   `json:"growthRate"`
}

// Prediction is one label/score pair from the classifier's output.
type Prediction struct {
	Label LesionType `json:"label"`
	Score float64    `json:"score"`
}

// Region is a detected or user-drawn area of interest on the image.
// Classification and Confidence stay nil until the analyze step completes.
type Region struct {
	ID             string       `json:"id"`
	BoundingBox    geometry.Box `json:"boundingBox"`
	Provenance     Provenance   `json:"provenance"`
	Classification *LesionType  `json:"classification,omitempty"`
	Confidence     *float64     `json:"confidence,omitempty"`
	Tracking       *Tracking    `json:"tracking,omitempty"`
	Predictions    []Prediction `json:"predictions,omitempty"`
}

// Classified reports whether the region carries a classification and a
// confidence.
func (r Region) Classified() bool {
	return r.Classification != nil && r.Confidence != nil
}

// ConfidenceOr returns the confidence, or def when it is absent.
func (r Region) ConfidenceOr(def float64) float64 {
	if r.Confidence == nil {
		return def
	}
	return *r.Confidence
}

// Is reports whether the region is classified as t.
func (r Region) Is(t LesionType) bool {
	return r.Classification != nil && *r.Classification == t
}

// SortedPredictions returns the predictions ordered by descending score.
func (r Region) SortedPredictions() []Prediction {
	out := make([]Prediction, len(r.Predictions))
	copy(out, r.Predictions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// clone returns a deep copy so that snapshots never alias store state.
func (r Region) clone() Region {
	out := r
	if r.Classification != nil {
		c := *r.Classification
		out.Classification = &c
	}
	if r.Confidence != nil {
		c := *r.Confidence
		out.Confidence = &c
	}
	if r.Tracking != nil {
		t := *r.Tracking
		out.Tracking = &t
	}
	if r.Predictions != nil {
		out.Predictions = append([]Prediction(nil), r.Predictions...)
	}
	return out
}

// Classification is the per-region result of the analyze call.
type Classification struct {
	Classification LesionType   `json:"classification"`
	Confidence     float64      `json:"confidence"`
	Tracking       *Tracking    `json:"tracking,omitempty"`
	Predictions    []Prediction `json:"predictions,omitempty"`
}

// Analysis is a persisted, immutable session result.
type Analysis struct {
	ID              int64     `db:"id" json:"id"`
	PatientID       string    `db:"patient_id" json:"patientId"`
	ImageURL        string    `db:"image_url" json:"imageUrl"`
	BodyArea        *string   `db:"body_area" json:"bodyArea,omitempty"`
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	DetectedLesions []Region  `db:"detected_lesions" json:"detectedLesions"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Region returns the region with the given id.
func (a *Analysis) Region(id string) (Region, bool) {
	for _, r := range a.DetectedLesions {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}

// ToFHIR renders the analysis as a DiagnosticReport with one contained
// Observation per region.
func (a *Analysis) ToFHIR() map[string]interface{} {
	id := strconv.FormatInt(a.ID, 10)
	result := map[string]interface{}{
		"resourceType": "DiagnosticReport",
		"id":           id,
		"status":       "final",
		"meta":         fhir.Meta{LastUpdated: a.CreatedAt},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: "http://loinc.org", Code: "72170-4", Display: "Photographic image"}},
			Text:   "Skin lesion screening",
		},
		"subject":           fhir.Reference{Reference: fhir.FormatReference("Patient", a.PatientID)},
		"effectiveDateTime": a.CreatedAt.Format(time.RFC3339),
		"issued":            a.CreatedAt.Format(time.RFC3339),
		"presentedForm":     []map[string]interface{}{{"contentType": "image/jpeg", "url": a.ImageURL}},
	}

	contained := make([]map[string]interface{}, 0, len(a.DetectedLesions))
	refs := make([]fhir.Reference, 0, len(a.DetectedLesions))
	for i, r := range a.DetectedLesions {
		obsID := fmt.Sprintf("lesion-%d", i+1)
		contained = append(contained, r.observation(obsID, a))
		refs = append(refs, fhir.Reference{Reference: "#" + obsID})
	}
	if len(contained) > 0 {
		result["contained"] = contained
		result["result"] = refs
	}

	counts := SummarizeRisk(a.DetectedLesions)
	result["conclusion"] = fmt.Sprintf("%d lesion(s): %d high risk, %d medium risk",
		len(a.DetectedLesions), counts.High, counts.Medium)
	if a.Notes != nil {
		result["note"] = []map[string]interface{}{{"text": *a.Notes}}
	}
	return result
}

func (r Region) observation(id string, a *Analysis) map[string]interface{} {
	obs := map[string]interface{}{
		"resourceType": "Observation",
		"id":           id,
		"status":       "final",
		"code":         fhir.CodeableConcept{Text: "Skin lesion classification"},
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", a.PatientID)},
		"identifier":   []fhir.Identifier{{System: "urn:dermrx:region", Value: r.ID}},
	}
	if a.BodyArea != nil {
		obs["bodySite"] = fhir.CodeableConcept{Text: *a.BodyArea}
	}
	if r.Classification != nil {
		obs["valueCodeableConcept"] = fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: "urn:dermrx:lesion-type", Code: string(*r.Classification), Display: FormatLesionType(*r.Classification)}},
		}
	}
	assessment := Classify(r)
	obs["interpretation"] = []fhir.CodeableConcept{{Text: string(assessment.Tier)}}

	components := []map[string]interface{}{
		boxComponent("x", r.BoundingBox.X),
		boxComponent("y", r.BoundingBox.Y),
		boxComponent("width", r.BoundingBox.Width),
		boxComponent("height", r.BoundingBox.Height),
	}
	if r.Confidence != nil {
		components = append(components, map[string]interface{}{
			"code":          fhir.CodeableConcept{Text: "confidence"},
			"valueQuantity": map[string]interface{}{"value": *r.Confidence, "unit": "1"},
		})
	}
	obs["component"] = components
	return obs
}

func boxComponent(name string, v float64) map[string]interface{} {
	return map[string]interface{}{
		"code":          fhir.CodeableConcept{Text: "boundingBox." + name},
		"valueQuantity": map[string]interface{}{"value": v, "unit": "1"},
	}
}
