package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/bookline-ai/voice-bridge/internal/tenant"
	"github.com/bookline-ai/voice-bridge/internal/upstream"
)

// Domain tool names exposed to the speech model.
const (
	ToolLookupPatient   = "lookup_patient"
	ToolRegisterPatient = "register_patient"
	ToolFindOpenSlots   = "find_open_slots"
	ToolBookAppointment = "book_appointment"
	ToolCancelAppt      = "cancel_appointment"

	// ToolDelegate is the single tool exposed in delegated supervision mode.
	ToolDelegate = "delegate_to_supervisor"
)

// Tool categories used for per-tenant filtering.
const (
	CategoryPatients     = "patients"
	CategoryScheduling   = "scheduling"
	CategoryAppointments = "appointments"
)

// LookupPatientArgs identifies an existing patient record.
type LookupPatientArgs struct {
	Phone     string `json:"phone,omitempty" jsonschema:"description=Phone number of the patient in E.164 format"`
	FirstName string `json:"first_name,omitempty" jsonschema:"description=Patient first name"`
	LastName  string `json:"last_name,omitempty" jsonschema:"description=Patient last name"`
	BirthDate string `json:"birth_date,omitempty" jsonschema:"description=Date of birth in YYYY-MM-DD format"`
}

// RegisterPatientArgs creates a new patient record.
type RegisterPatientArgs struct {
	FirstName string `json:"first_name" jsonschema:"required,description=Patient first name"`
	LastName  string `json:"last_name" jsonschema:"required,description=Patient last name"`
	Phone     string `json:"phone" jsonschema:"required,description=Phone number of the patient in E.164 format"`
	BirthDate string `json:"birth_date,omitempty" jsonschema:"description=Date of birth in YYYY-MM-DD format"`
	Email     string `json:"email,omitempty" jsonschema:"description=Contact email address"`
}

// FindOpenSlotsArgs searches the schedule for bookable slots.
type FindOpenSlotsArgs struct {
	Service  string `json:"service" jsonschema:"required,description=Requested service or visit type"`
	DateFrom string `json:"date_from,omitempty" jsonschema:"description=Earliest acceptable date in YYYY-MM-DD format"`
	DateTo   string `json:"date_to,omitempty" jsonschema:"description=Latest acceptable date in YYYY-MM-DD format"`
	Provider string `json:"provider,omitempty" jsonschema:"description=Preferred provider name"`
}

// BookAppointmentArgs confirms a slot for a patient.
type BookAppointmentArgs struct {
	SlotID    string `json:"slot_id" jsonschema:"required,description=Identifier of the chosen slot from find_open_slots"`
	PatientID string `json:"patient_id,omitempty" jsonschema:"description=Identifier of the patient. Omit to use the patient established earlier in the call"`
	Notes     string `json:"notes,omitempty" jsonschema:"description=Free-form notes for the appointment"`
}

// CancelAppointmentArgs cancels an existing appointment.
type CancelAppointmentArgs struct {
	AppointmentID string `json:"appointment_id,omitempty" jsonschema:"description=Identifier of the appointment. Omit to use the appointment established earlier in the call"`
	Reason        string `json:"reason,omitempty" jsonschema:"description=Reason given by the caller"`
}

// DelegateArgs carries the caller's request to the supervisor model.
type DelegateArgs struct {
	Request string `json:"request" jsonschema:"required,description=What the caller wants, phrased as a complete instruction"`
}

// Definition describes a registered tool: its wire schema plus execution
// metadata used by the Executor.
type Definition struct {
	Name        string
	Description string
	Category    string
	Parameters  map[string]any

	// Mutating tools consume an accumulator entity at most once per call.
	Mutating bool
	// ConsumesEntity is the accumulator key guarded when Mutating is set.
	ConsumesEntity string
	// ProducesEntity is the accumulator key the result is stored under.
	ProducesEntity string
	// DependsOnEntity is injected into the arguments under DependencyField
	// when the model omits it.
	DependsOnEntity string
	DependencyField string
}

func reflectSchema(v any) map[string]any {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: unmarshal schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	delete(m, "additionalProperties")
	return m
}

// Registry holds the tool definitions known to this deployment.
type Registry struct {
	byName map[string]*Definition
	order  []string
}

// NewRegistry builds the registry of domain tools.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Definition)}
	r.register(&Definition{
		Name:           ToolLookupPatient,
		Description:    "Look up an existing patient by phone number or by name and birth date.",
		Category:       CategoryPatients,
		Parameters:     reflectSchema(&LookupPatientArgs{}),
		ProducesEntity: EntityPatient,
	})
	r.register(&Definition{
		Name:           ToolRegisterPatient,
		Description:    "Register a new patient when no existing record is found.",
		Category:       CategoryPatients,
		Parameters:     reflectSchema(&RegisterPatientArgs{}),
		ProducesEntity: EntityPatient,
	})
	r.register(&Definition{
		Name:           ToolFindOpenSlots,
		Description:    "Search for open appointment slots matching the caller's request.",
		Category:       CategoryScheduling,
		Parameters:     reflectSchema(&FindOpenSlotsArgs{}),
		ProducesEntity: EntitySlots,
	})
	r.register(&Definition{
		Name:            ToolBookAppointment,
		Description:     "Book a specific slot for the patient. Requires a slot from find_open_slots.",
		Category:        CategoryAppointments,
		Parameters:      reflectSchema(&BookAppointmentArgs{}),
		Mutating:        true,
		ConsumesEntity:  EntitySlots,
		ProducesEntity:  EntityAppointment,
		DependsOnEntity: EntityPatient,
		DependencyField: "patient_id",
	})
	r.register(&Definition{
		Name:            ToolCancelAppt,
		Description:     "Cancel an existing appointment for the caller.",
		Category:        CategoryAppointments,
		Parameters:      reflectSchema(&CancelAppointmentArgs{}),
		Mutating:        true,
		ConsumesEntity:  EntityAppointment,
		DependsOnEntity: EntityAppointment,
		DependencyField: "appointment_id",
	})
	return r
}

func (r *Registry) register(d *Definition) {
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
}

// Lookup returns the definition for name, honoring the tenant's enabled
// categories.
func (r *Registry) Lookup(name string, cfg *tenant.ChannelConfig) (*Definition, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if cfg != nil && !cfg.ToolCategoryEnabled(d.Category) {
		return nil, fmt.Errorf("%w: %s (category %s disabled)", ErrUnknownTool, name, d.Category)
	}
	return d, nil
}

// UpstreamDefinitions renders the tool set advertised to the speech model for
// a tenant. In delegated mode the model sees only delegate_to_supervisor.
func (r *Registry) UpstreamDefinitions(cfg *tenant.ChannelConfig, delegated bool) []upstream.ToolDefinition {
	if delegated {
		return []upstream.ToolDefinition{{
			Type:        "function",
			Name:        ToolDelegate,
			Description: "Delegate the caller's request to a back-office assistant that can look up records, find slots, and book or cancel appointments. Use it for anything beyond small talk.",
			Parameters:  reflectSchema(&DelegateArgs{}),
		}}
	}
	defs := make([]upstream.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		if cfg != nil && !cfg.ToolCategoryEnabled(d.Category) {
			continue
		}
		defs = append(defs, upstream.ToolDefinition{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return defs
}
