// Package api implements the Go client for the plant classification and Q&A
// backend. The wire contract is fixed: GET /api/plants, POST /api/classify
// (multipart), POST /api/qa (JSON), plus the session-reset and image-listing
// endpoints. Response bodies are validated against JSON Schemas before
// decoding so that a contract drift surfaces as ErrMalformedResponse instead
// of a crash deep in rendering code.
package api

import (
	"regexp"
	"strings"
)

// OODLabel is the reserved label the backend returns when the uploaded
// image is not in the species database (out-of-distribution).
const OODLabel = "Không tồn tại trong cơ sở dữ liệu"

// NoInformation is the placeholder used for absent catalog fields. Callers
// always see this value instead of an empty string.
const NoInformation = "Không có thông tin"

// Well-known catalog metadata fields. The backend serves free-form
// Vietnamese field names; these are the ones every entry is expected to
// carry.
const (
	FieldScientificName = "Tên khoa học"
	FieldCommonName     = "Tên tiếng Việt"
	FieldFamily         = "Họ"
	FieldDistribution   = "Phân bố"
	FieldConservation   = "Tình trạng bảo tồn"
	FieldUses           = "Công dụng"
)

// PlantInfo holds the metadata fields of one catalog entry.
type PlantInfo map[string]string

// Field returns the named metadata field, or NoInformation when the field
// is absent or blank.
func (p PlantInfo) Field(name string) string {
	v := strings.TrimSpace(p[name])
	if v == "" {
		return NoInformation
	}
	return v
}

// CommonName returns the localized common name.
func (p PlantInfo) CommonName() string { return p.Field(FieldCommonName) }

// ScientificName returns the scientific name.
func (p PlantInfo) ScientificName() string { return p.Field(FieldScientificName) }

// Catalog maps scientific name to plant metadata.
type Catalog map[string]PlantInfo

// ClassificationResult is one candidate species for an uploaded image.
type ClassificationResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ImagePath  string  `json:"image_path,omitempty"`
}

// ClassifyResponse is the body of POST /api/classify.
type ClassifyResponse struct {
	Results []ClassificationResult `json:"results"`
}

// OutOfDistribution reports whether the response carries the OOD sentinel,
// meaning the image matched nothing in the species database.
func (r ClassifyResponse) OutOfDistribution() bool {
	return len(r.Results) > 0 && r.Results[0].Label == OODLabel
}

// Empty reports whether classification produced no candidates at all.
func (r ClassifyResponse) Empty() bool { return len(r.Results) == 0 }

// QARequest is the body of POST /api/qa. Label is omitted for unscoped
// questions.
type QARequest struct {
	Question  string `json:"question"`
	Label     string `json:"label,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// QAResponse is the body of POST /api/qa.
type QAResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id,omitempty"`
}

// PlantImage describes one stored image of a species.
type PlantImage struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	IsPrimary bool   `json:"is_primary"`
	Order     int    `json:"order"`
}

// PlantImagesResponse is the body of GET /api/plant-images/{name}.
type PlantImagesResponse struct {
	Plant       string       `json:"plant"`
	TotalImages int          `json:"total_images"`
	Images      []PlantImage `json:"images"`
	Error       string       `json:"error,omitempty"`
}

// SessionStats is the body of GET /api/session-stats.
type SessionStats struct {
	ActiveSessions        int `json:"active_sessions"`
	SessionTimeoutMinutes int `json:"session_timeout_minutes"`
}

var confidenceSuffix = regexp.MustCompile(`^(.+?)\s\(\d+(\.\d+)?%\)$`)

// CleanLabel strips a trailing confidence suffix such as
// "Ficus religiosa (91.23%)" so only the plain label is sent to /api/qa.
func CleanLabel(label string) string {
	if m := confidenceSuffix.FindStringSubmatch(label); m != nil {
		return m[1]
	}
	return label
}
