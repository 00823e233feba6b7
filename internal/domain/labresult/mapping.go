package labresult

import (
	"fmt"
	"sort"
	"strings"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/hl7v2"
)

// FieldRef addresses a value inside a decoded message. Field and Component
// are 1-based; Component 0 selects the whole field with its components joined
// by spaces (used for names sent as family^given).
type FieldRef struct {
	Segment   string
	Field     int
	Component int
}

// Lookup returns the first non-empty value found at refs, trimmed.
func Lookup(msg *hl7v2.Message, refs ...FieldRef) string {
	for _, ref := range refs {
		seg := msg.GetSegment(ref.Segment)
		if seg == nil {
			continue
		}
		if v := ref.from(seg); v != "" {
			return v
		}
	}
	return ""
}

func (ref FieldRef) from(seg *hl7v2.Segment) string {
	if ref.Component > 0 {
		return strings.TrimSpace(seg.GetComponent(ref.Field, ref.Component))
	}
	f := seg.Field(ref.Field)
	if f == nil {
		return ""
	}
	return strings.Join(strings.Fields(strings.Join(f.Components, " ")), " ")
}

// ResultFields maps the columns of a result segment. Name is the compound
// code^label^system field and is always read whole.
type ResultFields struct {
	Name           int
	Value          int
	Unit           int
	ReferenceRange int
	DeviceFlag     int
}

// Profile is the declarative field mapping for one analyzer model. Supporting
// a new analyzer means registering a new Profile, not writing new parsing code.
type Profile struct {
	Instrument      string
	Description     string
	Delimiters      hl7v2.Delimiters
	DefaultDeviceID string

	DeviceID     []FieldRef
	SampleNumber []FieldRef
	AnalysisMode []FieldRef
	TestedAt     []FieldRef

	PatientIdentifier []FieldRef
	PatientName       []FieldRef
	PatientAge        []FieldRef
	PatientSex        []FieldRef

	ResultSegment string
	Result        ResultFields

	// TrustDeviceFlag takes the device's own H/L/N flag as the status when
	// the value or range cannot be compared. Off for every built-in profile.
	TrustDeviceFlag bool
}

// Hematology maps the OBR/OBX output of the five-part differential
// hematology analyzer. Demographics arrive in PID.
var Hematology = Profile{
	Instrument:      "hematology",
	Description:     "Hematology analyzer (CBC, OBR/OBX with PID)",
	Delimiters:      hl7v2.DefaultDelimiters,
	DefaultDeviceID: "HEMATOLOGY",

	DeviceID:     []FieldRef{{"MSH", 3, 1}},
	SampleNumber: []FieldRef{{"OBR", 3, 1}, {"OBR", 2, 1}},
	AnalysisMode: []FieldRef{{"OBR", 4, 2}, {"OBR", 4, 1}},
	TestedAt:     []FieldRef{{"OBR", 7, 1}, {"MSH", 7, 1}},

	PatientIdentifier: []FieldRef{{"PID", 3, 1}, {"PID", 2, 1}},
	PatientName:       []FieldRef{{"PID", 5, 0}},
	PatientSex:        []FieldRef{{"PID", 8, 1}},

	ResultSegment: "OBX",
	Result: ResultFields{
		Name:           3,
		Value:          5,
		Unit:           6,
		ReferenceRange: 7,
		DeviceFlag:     8,
	},
}

// Immunoassay maps the fluorescence immunoassay analyzer. It sends no PID;
// patient identity travels on the order segment next to the sample number.
var Immunoassay = Profile{
	Instrument:      "immunoassay",
	Description:     "Immunoassay analyzer (patient fields on OBR)",
	Delimiters:      hl7v2.DefaultDelimiters,
	DefaultDeviceID: "IMMUNOASSAY",

	DeviceID:     []FieldRef{{"MSH", 3, 1}},
	SampleNumber: []FieldRef{{"OBR", 2, 1}},
	AnalysisMode: []FieldRef{{"OBR", 7, 1}},
	TestedAt:     []FieldRef{{"OBR", 8, 1}, {"MSH", 7, 1}},

	PatientIdentifier: []FieldRef{{"OBR", 3, 1}},
	PatientName:       []FieldRef{{"OBR", 4, 0}},
	PatientAge:        []FieldRef{{"OBR", 5, 1}},
	PatientSex:        []FieldRef{{"OBR", 6, 1}},

	ResultSegment: "OBX",
	Result: ResultFields{
		Name:           3,
		Value:          5,
		Unit:           6,
		ReferenceRange: 7,
		DeviceFlag:     8,
	},
}

// Profiles holds the analyzer profiles by instrument name.
type Profiles struct {
	byName map[string]*Profile
}

// NewProfiles registers the given profiles. Instrument names are matched
// case-insensitively.
func NewProfiles(ps ...Profile) (*Profiles, error) {
	reg := &Profiles{byName: make(map[string]*Profile, len(ps))}
	for i := range ps {
		p := ps[i]
		if err := p.validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(p.Instrument)
		if _, dup := reg.byName[key]; dup {
			return nil, fmt.Errorf("profile %q registered twice", p.Instrument)
		}
		reg.byName[key] = &p
	}
	return reg, nil
}

// DefaultProfiles returns the built-in analyzer profiles.
func DefaultProfiles() *Profiles {
	reg, err := NewProfiles(Hematology, Immunoassay)
	if err != nil {
		panic(err)
	}
	return reg
}

// Get returns the profile for instrument or ErrUnknownInstrument.
func (r *Profiles) Get(instrument string) (*Profile, error) {
	p, ok := r.byName[strings.ToLower(instrument)]
	if !ok {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownInstrument, instrument, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the registered instrument names in sorted order.
func (r *Profiles) Names() []string {
	names := make([]string, 0, len(r.byName))
	for _, p := range r.byName {
		names = append(names, p.Instrument)
	}
	sort.Strings(names)
	return names
}

func (p *Profile) validate() error {
	switch {
	case p.Instrument == "":
		return fmt.Errorf("profile: instrument is required")
	case len(p.SampleNumber) == 0:
		return fmt.Errorf("profile %s: sample number mapping is required", p.Instrument)
	case p.ResultSegment == "":
		return fmt.Errorf("profile %s: result segment is required", p.Instrument)
	case p.Result.Name <= 0 || p.Result.Value <= 0:
		return fmt.Errorf("profile %s: result name and value columns are required", p.Instrument)
	case p.Delimiters.Field == 0 || p.Delimiters.Component == 0:
		return fmt.Errorf("profile %s: delimiters are required", p.Instrument)
	}
	return nil
}
