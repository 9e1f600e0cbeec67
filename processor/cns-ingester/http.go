package cnsingester

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/cnsscope/graph"
	"github.com/c360studio/cnsscope/store"
	"github.com/c360studio/cnsscope/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxCommandBody bounds a stimulate request body.
const maxCommandBody = 1 << 20

// RegisterHTTPHandlers registers HTTP handlers for the cns-ingester component.
// The prefix may or may not include trailing slash.
//
//	GET  {prefix}apps
//	GET  {prefix}apps/{appId}
//	GET  {prefix}apps/{appId}/neurons?name=<glob>
//	GET  {prefix}apps/{appId}/collaterals?name=<glob>
//	GET  {prefix}apps/{appId}/dendrites?collateral=<name>
//	GET  {prefix}apps/{appId}/stimulations?collateral=<name>&limit=<n>
//	GET  {prefix}apps/{appId}/stimulations/{stimulationId}
//	GET  {prefix}apps/{appId}/stimulations/{stimulationId}/responses
//	GET  {prefix}apps/{appId}/responses?stimulationId=<id>
//	GET  {prefix}apps/{appId}/graph
//	POST {prefix}apps/{appId}/stimulate
//	GET  {prefix}stats
//	GET  {prefix}metrics
//	GET  {prefix}feed (websocket)
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	mux.HandleFunc(prefix+"apps", c.handleListApps)
	mux.HandleFunc(prefix+"apps/", c.handleApp)
	mux.HandleFunc(prefix+"stats", c.handleStats)
	mux.Handle(prefix+"metrics", promhttp.HandlerFor(c.metrics.registry, promhttp.HandlerOpts{}))
	mux.Handle(prefix+"feed", c.feed.Handler())
}

// AppSummary is an app with the sizes of its collections.
type AppSummary struct {
	store.App
	Neurons      int `json:"neurons"`
	Collaterals  int `json:"collaterals"`
	Dendrites    int `json:"dendrites"`
	Stimulations int `json:"stimulations"`
	Responses    int `json:"responses"`
}

// StimulationDetail is one stimulation with its response chain.
type StimulationDetail struct {
	StimulationID string             `json:"stimulationId"`
	Stimulation   *store.Stimulation `json:"stimulation,omitempty"`
	Responses     []store.Response   `json:"responses"`
}

// StatsResponse reports store and routing counters.
type StatsResponse struct {
	Seq    uint64      `json:"seq"`
	Store  store.Stats `json:"store"`
	Router RouterStats `json:"router"`
}

func (c *Component) handleListApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var apps []AppSummary
	c.store.Read(func(v *store.View) {
		for _, app := range v.Apps() {
			apps = append(apps, summarize(v, app))
		}
	})
	if apps == nil {
		apps = []AppSummary{}
	}
	writeJSON(w, http.StatusOK, apps)
}

func summarize(v *store.View, app store.App) AppSummary {
	return AppSummary{
		App:          app,
		Neurons:      len(v.Neurons(app.AppID)),
		Collaterals:  len(v.Collaterals(app.AppID)),
		Dendrites:    len(v.Dendrites(app.AppID)),
		Stimulations: len(v.Stimulations(app.AppID)),
		Responses:    len(v.Responses(app.AppID)),
	}
}

// handleApp dispatches {prefix}apps/{appId}[/resource[/id[/sub]]].
func (c *Component) handleApp(w http.ResponseWriter, r *http.Request) {
	appID := extractIDFromPath(r.URL.Path, "/apps/")
	if appID == "" {
		http.Error(w, "App ID required", http.StatusBadRequest)
		return
	}
	segments := pathSegments(r.URL.Path, "/apps/"+appID)

	if len(segments) == 1 && segments[0] == "stimulate" {
		c.handleStimulate(w, r, appID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var resource string
	if len(segments) > 0 {
		resource = segments[0]
	}

	switch {
	case len(segments) == 0:
		c.handleGetApp(w, appID)
	case resource == "neurons" && len(segments) == 1:
		c.handleNeurons(w, r, appID)
	case resource == "collaterals" && len(segments) == 1:
		c.handleCollaterals(w, r, appID)
	case resource == "dendrites" && len(segments) == 1:
		c.handleDendrites(w, r, appID)
	case resource == "stimulations" && len(segments) == 1:
		c.handleStimulations(w, r, appID)
	case resource == "stimulations" && len(segments) == 2:
		c.handleStimulation(w, appID, segments[1])
	case resource == "stimulations" && len(segments) == 3 && segments[2] == "responses":
		c.handleStimulationResponses(w, appID, segments[1])
	case resource == "responses" && len(segments) == 1:
		c.handleResponses(w, r, appID)
	case resource == "graph" && len(segments) == 1:
		c.handleGraph(w, appID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (c *Component) handleGetApp(w http.ResponseWriter, appID string) {
	var (
		summary AppSummary
		found   bool
	)
	c.store.Read(func(v *store.View) {
		var app store.App
		if app, found = v.App(appID); found {
			summary = summarize(v, app)
		}
	})
	if !found {
		http.Error(w, "App not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (c *Component) handleNeurons(w http.ResponseWriter, r *http.Request, appID string) {
	pattern := r.URL.Query().Get("name")
	if !validPattern(w, pattern) {
		return
	}
	var neurons []store.Neuron
	c.store.Read(func(v *store.View) { neurons = v.Neurons(appID) })

	out := make([]store.Neuron, 0, len(neurons))
	for _, n := range neurons {
		if matches(pattern, n.Name) {
			out = append(out, n)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Component) handleCollaterals(w http.ResponseWriter, r *http.Request, appID string) {
	pattern := r.URL.Query().Get("name")
	if !validPattern(w, pattern) {
		return
	}
	var collaterals []store.Collateral
	c.store.Read(func(v *store.View) { collaterals = v.Collaterals(appID) })

	out := make([]store.Collateral, 0, len(collaterals))
	for _, col := range collaterals {
		if matches(pattern, col.Name) {
			out = append(out, col)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Component) handleDendrites(w http.ResponseWriter, r *http.Request, appID string) {
	collateral := r.URL.Query().Get("collateral")
	var dendrites []store.Dendrite
	c.store.Read(func(v *store.View) {
		if collateral != "" {
			dendrites = v.DendritesByCollateral(appID, collateral)
		} else {
			dendrites = v.Dendrites(appID)
		}
	})
	if dendrites == nil {
		dendrites = []store.Dendrite{}
	}
	writeJSON(w, http.StatusOK, dendrites)
}

// handleStimulations lists stimulations oldest first. limit keeps the newest n.
func (c *Component) handleStimulations(w http.ResponseWriter, r *http.Request, appID string) {
	query := r.URL.Query()
	collateral := query.Get("collateral")
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var stimulations []store.Stimulation
	c.store.Read(func(v *store.View) { stimulations = v.Stimulations(appID) })

	out := make([]store.Stimulation, 0, len(stimulations))
	for _, st := range stimulations {
		if collateral == "" || st.CollateralName == collateral {
			out = append(out, st)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Component) handleStimulation(w http.ResponseWriter, appID, stimulationID string) {
	detail := StimulationDetail{StimulationID: stimulationID}
	c.store.Read(func(v *store.View) {
		if st, ok := v.Stimulation(appID, stimulationID); ok {
			detail.Stimulation = &st
		}
		detail.Responses = v.ResponsesByStimulation(appID, stimulationID)
	})
	if detail.Stimulation == nil && len(detail.Responses) == 0 {
		http.Error(w, "Stimulation not found", http.StatusNotFound)
		return
	}
	if detail.Responses == nil {
		detail.Responses = []store.Response{}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (c *Component) handleStimulationResponses(w http.ResponseWriter, appID, stimulationID string) {
	var responses []store.Response
	c.store.Read(func(v *store.View) { responses = v.ResponsesByStimulation(appID, stimulationID) })
	if responses == nil {
		responses = []store.Response{}
	}
	writeJSON(w, http.StatusOK, responses)
}

func (c *Component) handleResponses(w http.ResponseWriter, r *http.Request, appID string) {
	stimulationID := r.URL.Query().Get("stimulationId")
	var responses []store.Response
	c.store.Read(func(v *store.View) {
		if stimulationID != "" {
			responses = v.ResponsesByStimulation(appID, stimulationID)
		} else {
			responses = v.Responses(appID)
		}
	})
	if responses == nil {
		responses = []store.Response{}
	}
	writeJSON(w, http.StatusOK, responses)
}

func (c *Component) handleGraph(w http.ResponseWriter, appID string) {
	var g graph.Graph
	c.store.Read(func(v *store.View) { g = graph.Build(v, appID) })
	writeJSON(w, http.StatusOK, g)
}

func (c *Component) handleStimulate(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c.relay == nil {
		http.Error(w, "Command relay not available", http.StatusServiceUnavailable)
		return
	}

	var cmd wire.StimulateCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := c.relay.Stimulate(r.Context(), appID, cmd)
	if err != nil {
		var status int
		switch {
		case errors.Is(err, ErrNoResponders):
			status = http.StatusServiceUnavailable
		case errors.Is(err, ErrInvalidCommand):
			status = http.StatusBadRequest
		default:
			status = http.StatusBadGateway
		}
		c.logger.Warn("Stimulate relay failed", "app_id", appID, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (c *Component) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Seq:    c.store.Seq(),
		Store:  c.store.Stats(),
		Router: c.router.Stats(),
	})
}

func validPattern(w http.ResponseWriter, pattern string) bool {
	if pattern == "" || doublestar.ValidatePattern(pattern) {
		return true
	}
	http.Error(w, "Invalid name pattern", http.StatusBadRequest)
	return false
}

func matches(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// extractIDFromPath extracts an ID from a URL path after the given prefix.
func extractIDFromPath(path, prefix string) string {
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}

	remainder := path[idx+len(prefix):]
	if slashIdx := strings.Index(remainder, "/"); slashIdx != -1 {
		remainder = remainder[:slashIdx]
	}

	return strings.TrimSpace(remainder)
}

// pathSegments returns the non-empty path segments after marker.
func pathSegments(path, marker string) []string {
	idx := strings.Index(path, marker)
	if idx == -1 {
		return nil
	}
	var out []string
	for _, s := range strings.Split(path[idx+len(marker):], "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
