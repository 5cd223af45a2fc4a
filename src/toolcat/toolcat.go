// Package toolcat declares the catalog of tools the assistant service may
// invoke on the user's behalf. Tools execute remotely; the engine only needs
// their names, parameter schemas (for session configuration), and the domain
// caches they invalidate when they succeed.
package toolcat

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/swaggest/jsonschema-go"
)

// Domain identifies an external domain cache the assistant can mutate.
type Domain string

// Domains the assistant's tools can touch.
const (
	DomainTrip        Domain = "trip"
	DomainDestination Domain = "destination"
	DomainPOI         Domain = "poi"
)

// Tool describes one assistant tool.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	// Domains lists the domain caches made stale by a successful invocation.
	// Read-only tools leave it empty.
	Domains []Domain
}

type registration struct {
	name        string
	description string
	input       any
	domains     []Domain
}

// Parameter shapes for the built-in tools. Schemas are reflected from the
// struct tags, the same structs the assistant service validates against.

type manageTripInput struct {
	TripID      string `json:"tripId,omitempty" jsonschema:"description=Trip to update; omit to create a new trip"`
	Name        string `json:"name,omitempty" jsonschema:"description=Trip name"`
	Description string `json:"description,omitempty" jsonschema:"description=Trip description"`
	Action      string `json:"action" jsonschema:"required,description=One of create/update/delete"`
}

type updateTripDatesInput struct {
	TripID    string `json:"tripId" jsonschema:"required,description=Trip to reschedule"`
	StartDate string `json:"startDate" jsonschema:"required,description=New start date (YYYY-MM-DD)"`
	EndDate   string `json:"endDate" jsonschema:"required,description=New end date (YYYY-MM-DD)"`
}

type manageDestinationInput struct {
	TripID        string `json:"tripId" jsonschema:"required,description=Trip the destination belongs to"`
	DestinationID string `json:"destinationId,omitempty" jsonschema:"description=Destination to update; omit to add"`
	Name          string `json:"name,omitempty" jsonschema:"description=Destination name"`
	Country       string `json:"country,omitempty" jsonschema:"description=Country name"`
	Action        string `json:"action" jsonschema:"required,description=One of add/update/remove"`
}

type schedulePOIInput struct {
	TripID string `json:"tripId" jsonschema:"required,description=Trip to schedule into"`
	POIID  string `json:"poiId" jsonschema:"required,description=Point of interest to schedule"`
	Day    string `json:"day" jsonschema:"required,description=Itinerary day (YYYY-MM-DD)"`
	Time   string `json:"time,omitempty" jsonschema:"description=Start time (HH:MM)"`
}

type managePOIInput struct {
	POIID  string `json:"poiId,omitempty" jsonschema:"description=Point of interest to update; omit to create"`
	Name   string `json:"name,omitempty" jsonschema:"description=Display name"`
	Notes  string `json:"notes,omitempty" jsonschema:"description=Free-form notes"`
	Action string `json:"action" jsonschema:"required,description=One of create/update/delete"`
}

type searchPlacesInput struct {
	Query string `json:"query" jsonschema:"required,description=Free-text place search"`
	Near  string `json:"near,omitempty" jsonschema:"description=Bias results near this destination"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results"`
}

type summarizeTripInput struct {
	TripID string `json:"tripId" jsonschema:"required,description=Trip to summarize"`
}

var registrations = []registration{
	{"manage_trip", "Create, update, or delete a trip.", manageTripInput{}, []Domain{DomainTrip}},
	{"update_trip_dates", "Change a trip's start and end dates.", updateTripDatesInput{}, []Domain{DomainTrip, DomainDestination}},
	{"manage_destination", "Add, update, or remove a destination on a trip.", manageDestinationInput{}, []Domain{DomainDestination}},
	{"schedule_poi", "Schedule a point of interest into a trip's itinerary.", schedulePOIInput{}, []Domain{DomainTrip, DomainPOI}},
	{"manage_poi", "Create, update, or delete a point of interest.", managePOIInput{}, []Domain{DomainPOI}},
	{"search_places", "Search for places and points of interest.", searchPlacesInput{}, nil},
	{"summarize_trip", "Summarize a trip's itinerary.", summarizeTripInput{}, nil},
}

var catalog map[string]*Tool

func init() {
	catalog = make(map[string]*Tool, len(registrations))
	for _, reg := range registrations {
		tool, err := build(reg)
		if err != nil {
			panic(fmt.Sprintf("toolcat: bad registration %s: %v", reg.name, err))
		}
		catalog[tool.Name] = tool
	}
}

func build(reg registration) (*Tool, error) {
	reflector := jsonschema.Reflector{}
	schema, err := reflector.Reflect(reg.input)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema for %s: %w", reflect.TypeOf(reg.input).Name(), err)
	}
	return &Tool{
		Name:        reg.name,
		Description: reg.description,
		Parameters:  &schema,
		Domains:     reg.domains,
	}, nil
}

// Lookup returns the tool with the given name, or nil.
func Lookup(name string) *Tool {
	return catalog[name]
}

// Names returns every catalog tool name, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DomainsFor returns the domain caches invalidated by a successful invocation
// of the named tool. Unknown and read-only tools return nil.
func DomainsFor(name string) []Domain {
	tool := catalog[name]
	if tool == nil {
		return nil
	}
	return tool.Domains
}
