package models

// Russian display names for the detector's classes. Unknown classes fall back
// to the raw class name.
var classNamesRU = map[string]string{
	"vibration_damper":   "Виброгаситель",
	"festoon_insulators": "Гирлянда изоляторов",
	"traverse":           "Траверса",
	"bad_insulator":      "Изолятор отсутствует",
	"damaged_insulator":  "Поврежденный изолятор",
	"polymer_insulators": "Полимерные изоляторы",
}

// DefectClasses are the detector classes that count as defects.
var DefectClasses = map[string]bool{
	"bad_insulator":     true,
	"damaged_insulator": true,
}

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityNone     = "none"
)

// BBoxSize describes the pixel extent of a detection box. IsSmall flags boxes
// under 30 px on either side.
type BBoxSize struct {
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Area    int  `json:"area"`
	IsSmall bool `json:"is_small"`
}

// DefectSummary classifies a detection's defect state.
type DefectSummary struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Detection is one detected (or manually drawn) box on an image.
// BBox is [x1, y1, x2, y2] in pixels.
type Detection struct {
	Class         string        `json:"class"`
	ClassRU       string        `json:"class_ru"`
	Confidence    float64       `json:"confidence"`
	BBox          [4]int        `json:"bbox"`
	BBoxSize      BBoxSize      `json:"bbox_size"`
	DefectSummary DefectSummary `json:"defect_summary"`
	IsManual      bool          `json:"is_manual,omitempty"`
}

// IsDefective reports whether the detection counts toward the defect tally.
// Defective means a non-empty severity other than "none".
func (d Detection) IsDefective() bool {
	return d.DefectSummary.Severity != "" && d.DefectSummary.Severity != SeverityNone
}

// ClassRUFor returns the Russian display name for a detector class.
func ClassRUFor(class string) string {
	if ru, ok := classNamesRU[class]; ok {
		return ru
	}
	return class
}

// AnalysisSummary is the per-image detection result stored on an image row and
// returned by the API.
type AnalysisSummary struct {
	Detections   []Detection    `json:"detections"`
	Statistics   map[string]int `json:"statistics"`
	TotalObjects int            `json:"total_objects"`
	DefectsCount int            `json:"defects_count"`
	HasDefects   bool           `json:"has_defects"`
}

// Recount recomputes the aggregate fields from Detections.
func (s *AnalysisSummary) Recount() {
	stats := make(map[string]int)
	defects := 0
	for _, det := range s.Detections {
		stats[det.Class]++
		if det.IsDefective() {
			defects++
		}
	}
	s.Statistics = stats
	s.TotalObjects = len(s.Detections)
	s.DefectsCount = defects
	s.HasDefects = defects > 0
}

// ManualBox is a user-drawn rectangle submitted through the annotate endpoint.
// X/Y is the top-left corner; IsDefect defaults to true when omitted.
type ManualBox struct {
	X        int     `json:"x" validate:"gte=0"`
	Y        int     `json:"y" validate:"gte=0"`
	Width    int     `json:"width" validate:"gt=0"`
	Height   int     `json:"height" validate:"gt=0"`
	Name     string  `json:"name,omitempty"`
	IsDefect *bool   `json:"is_defect,omitempty"`
	Color    *string `json:"color,omitempty"`
}

func (b ManualBox) defective() bool {
	return b.IsDefect == nil || *b.IsDefect
}

func (b ManualBox) toDetection() Detection {
	name := b.Name
	if name == "" {
		name = "manual"
	}
	summary := DefectSummary{Type: "Норма", Severity: SeverityNone, Description: "Отмечено вручную"}
	if b.defective() {
		summary = DefectSummary{Type: "Повреждение", Severity: SeverityHigh, Description: "Отмечено вручную"}
	}
	return Detection{
		Class:      name,
		ClassRU:    ClassRUFor(name),
		Confidence: 1.0,
		BBox:       [4]int{b.X, b.Y, b.X + b.Width, b.Y + b.Height},
		BBoxSize: BBoxSize{
			Width:   b.Width,
			Height:  b.Height,
			Area:    b.Width * b.Height,
			IsSmall: b.Width < 30 || b.Height < 30,
		},
		DefectSummary: summary,
		IsManual:      true,
	}
}

// MergeManualBoxes replaces the manual detections in a summary with the given
// boxes, keeping every model detection, and recounts the aggregates. Merging
// the same boxes twice yields the same summary. A nil summary starts empty.
func MergeManualBoxes(summary *AnalysisSummary, boxes []ManualBox) *AnalysisSummary {
	merged := &AnalysisSummary{}
	if summary != nil {
		for _, det := range summary.Detections {
			if !det.IsManual {
				merged.Detections = append(merged.Detections, det)
			}
		}
	}
	for _, box := range boxes {
		merged.Detections = append(merged.Detections, box.toDetection())
	}
	merged.Recount()
	return merged
}
