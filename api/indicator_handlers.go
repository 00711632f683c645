package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"argus/core"
)

// CreateIndicatorRequest is the body of POST /api/v1/indicators
type CreateIndicatorRequest struct {
	Type        core.IndicatorType `json:"type" validate:"required"`
	Value       string             `json:"value" validate:"required,max=2048"`
	ThreatLevel core.Severity      `json:"threat_level,omitempty"`
	Confidence  float64            `json:"confidence" validate:"gte=0,lte=100"`
	Tags        []string           `json:"tags,omitempty" validate:"max=50,dive,max=100"`
}

// IndicatorResponse wraps an upserted indicator with whether it was new
type IndicatorResponse struct {
	*core.Indicator
	Created bool `json:"created"`
}

func (a *API) createIndicator(w http.ResponseWriter, r *http.Request) {
	var req CreateIndicatorRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	ind, created, err := a.indicators.Upsert(r.Context(), core.IndicatorInput{
		Type:        req.Type,
		Value:       req.Value,
		ThreatLevel: req.ThreatLevel,
		Confidence:  req.Confidence,
		Tags:        req.Tags,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	a.respondJSON(w, IndicatorResponse{Indicator: ind, Created: created}, status)
}

func (a *API) listIndicators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	includeDeprecated, err := queryBool(r, "include_deprecated")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	filter := core.IndicatorFilter{
		Type:              core.IndicatorType(q.Get("type")),
		Tag:               q.Get("tag"),
		IncludeDeprecated: includeDeprecated,
		Limit:             limit,
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		a.writeServiceError(w, r, core.NewValidationError("type", "unknown indicator type"))
		return
	}
	if raw := q.Get("min_confidence"); raw != "" {
		c, err := strconv.ParseFloat(raw, 64)
		if err != nil || c < 0 || c > core.MaxConfidence {
			a.writeServiceError(w, r, core.NewValidationError("min_confidence", "must be between 0 and 100"))
			return
		}
		filter.MinConfidence = c
	}

	inds, err := a.indicators.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if inds == nil {
		inds = []*core.Indicator{}
	}
	a.respondJSON(w, inds, http.StatusOK)
}

func (a *API) getIndicator(w http.ResponseWriter, r *http.Request) {
	ind, err := a.indicators.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, ind, http.StatusOK)
}

func (a *API) deprecateIndicator(w http.ResponseWriter, r *http.Request) {
	ind, err := a.indicators.Deprecate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, ind, http.StatusOK)
}
