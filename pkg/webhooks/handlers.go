package webhooks

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/forgenet/core-go/pkg/httputil"
	"github.com/forgenet/core-go/pkg/middleware"
)

// FilterFunc derives extra-column filters from the request, for resources
// whose subscriptions are scoped to an entity named in the path.
type FilterFunc func(r *http.Request) ([]Filter, error)

// API serves the subscription management endpoints for one resource.
type API struct {
	engine     *Engine
	authorizer *middleware.Authorizer
	filters    FilterFunc
}

// NewAPI wires the management endpoints for the engine's resource. filters
// may be nil for resources without per-entity columns.
func NewAPI(engine *Engine, authorizer *middleware.Authorizer, filters FilterFunc) *API {
	return &API{engine: engine, authorizer: authorizer, filters: filters}
}

// RegisterRoutes mounts the endpoints under the given router, typically a
// subrouter rooted at the resource path.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.Use(a.authorizer.Authenticated())
	router.HandleFunc("/webhooks", a.listSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/webhooks", a.createSubscription).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/{id:[0-9]+}", a.getSubscription).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id:[0-9]+}", a.deleteSubscription).Methods(http.MethodDelete)
	router.HandleFunc("/webhooks/{id:[0-9]+}/deliveries", a.listDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id:[0-9]+}/deliveries/{uuid}", a.getDelivery).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id:[0-9]+}/deliveries/{uuid}/redeliver", a.redeliver).Methods(http.MethodPost)
}

func (a *API) requestFilters(w http.ResponseWriter, r *http.Request) ([]Filter, bool) {
	if a.filters == nil {
		return nil, true
	}
	filters, err := a.filters(r)
	if err != nil {
		httputil.WriteNotFound(w)
		return nil, false
	}
	return filters, true
}

// owned loads the subscription named in the path and checks it belongs to
// the requesting token. A subscription owned by someone else reads as 401,
// a missing one as 404; existence is never disclosed across tokens.
func (a *API) owned(w http.ResponseWriter, r *http.Request) (*Subscription, bool) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid subscription id")
		return nil, false
	}
	sub, err := a.engine.subs.GetByID(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if sub == nil {
		httputil.WriteNotFound(w)
		return nil, false
	}
	token, _ := middleware.TokenFromContext(r.Context())
	if sub.TokenID != token.ID {
		httputil.WriteUnauthorized(w, "this webhook does not belong to your token")
		return nil, false
	}
	return sub, true
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// pageSize reads the count query parameter, clamped to a sane range.
func pageSize(w http.ResponseWriter, r *http.Request) (int, bool) {
	count, err := httputil.ParseQueryInt(r, "count", defaultPageSize)
	if err != nil || count < 1 {
		httputil.WriteBadRequest(w, "count must be a positive integer")
		return 0, false
	}
	if count > maxPageSize {
		count = maxPageSize
	}
	return count, true
}

func (a *API) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	filters, ok := a.requestFilters(w, r)
	if !ok {
		return
	}
	count, ok := pageSize(w, r)
	if !ok {
		return
	}
	token, _ := middleware.TokenFromContext(r.Context())
	subs, err := a.engine.subs.ListByToken(r.Context(), token.ID, count, filters...)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	httputil.WriteSuccess(w, subs)
}

type createSubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (a *API) createSubscription(w http.ResponseWriter, r *http.Request) {
	filters, ok := a.requestFilters(w, r)
	if !ok {
		return
	}
	var req createSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	v := &httputil.Validation{}
	if parsed, err := url.Parse(req.URL); req.URL == "" || err != nil ||
		parsed.Scheme == "" || parsed.Host == "" {
		v.ExpectField(false, "a valid absolute URL is required", "url")
	}
	v.ExpectField(len(req.Events) > 0, "at least one event is required", "events")
	for _, event := range req.Events {
		if !v.ExpectField(a.engine.resource.ValidEvent(event),
			"unknown event: "+event, "events") {
			break
		}
	}
	if !v.OK() {
		v.WriteResponse(w)
		return
	}

	token, _ := middleware.TokenFromContext(r.Context())
	denied := &httputil.Validation{}
	for _, event := range req.Events {
		required, _ := a.engine.resource.ScopeFor(event)
		denied.ExpectField(token.AuthorizedFor(required), fmt.Sprintf(
			"your OAuth token lacks the required scope: %s (%s)",
			required.String(), required.Friendly()), "events")
	}
	if !denied.OK() {
		denied.WriteStatus(w, http.StatusForbidden)
		return
	}

	sub := &Subscription{
		URL:     req.URL,
		Events:  req.Events,
		UserID:  token.UserID,
		TokenID: token.ID,
	}
	if len(filters) > 0 {
		sub.Extra = make(map[string]interface{}, len(filters))
		for _, f := range filters {
			sub.Extra[f.Column] = f.Value
		}
	}
	if err := a.engine.subs.Create(r.Context(), sub); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

func (a *API) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.owned(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (a *API) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.owned(w, r)
	if !ok {
		return
	}
	if err := a.engine.subs.Delete(r.Context(), sub.ID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.owned(w, r)
	if !ok {
		return
	}
	count, ok := pageSize(w, r)
	if !ok {
		return
	}
	deliveries, err := a.engine.deliveries.ListBySubscription(r.Context(), sub.ID, count)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	httputil.WriteSuccess(w, deliveries)
}

func (a *API) delivery(w http.ResponseWriter, r *http.Request) (*Delivery, bool) {
	sub, ok := a.owned(w, r)
	if !ok {
		return nil, false
	}
	id, err := httputil.ParsePathString(r, "uuid")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid delivery id")
		return nil, false
	}
	delivery, err := a.engine.deliveries.GetByUUID(r.Context(), sub.ID, id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if delivery == nil {
		httputil.WriteNotFound(w)
		return nil, false
	}
	return delivery, true
}

func (a *API) getDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, ok := a.delivery(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, delivery)
}

func (a *API) redeliver(w http.ResponseWriter, r *http.Request) {
	delivery, ok := a.delivery(w, r)
	if !ok {
		return
	}
	if err := a.engine.Redeliver(r.Context(), delivery); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, delivery)
}
