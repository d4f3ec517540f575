// Package httpapi exposes the dispatch request surface over chi, mapping
// dispatcherr.Kind to HTTP status.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ridellite/internal/auth"
	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geoindex"
	"github.com/example/ridellite/internal/matcher"
	"github.com/example/ridellite/internal/offers"
	"github.com/example/ridellite/internal/ratelimit"
	"github.com/example/ridellite/internal/store"
	"github.com/example/ridellite/internal/wsdispatch"
)

// defaultOffersActiveLimit and defaultRidesHistoryLimit apply when New is
// called with a non-positive limit.
const (
	defaultOffersActiveLimit = 20
	defaultRidesHistoryLimit = 50
)

// API wires the store, matcher and offers service into handlers.
type API struct {
	store             store.Store
	offers            *offers.Service
	matcher           *matcher.Matcher
	geo               geoindex.Index
	ws                *wsdispatch.Registry
	jwtSecret         string
	limiter           *ratelimit.Limiter
	offersActiveLimit int
	ridesHistoryLimit int
}

func New(s store.Store, offerSvc *offers.Service, m *matcher.Matcher, geo geoindex.Index, ws *wsdispatch.Registry, jwtSecret string, limiter *ratelimit.Limiter, ridesHistoryLimit, offersActiveLimit int) *API {
	if ridesHistoryLimit <= 0 {
		ridesHistoryLimit = defaultRidesHistoryLimit
	}
	if offersActiveLimit <= 0 {
		offersActiveLimit = defaultOffersActiveLimit
	}
	return &API{
		store:             s,
		offers:            offerSvc,
		matcher:           m,
		geo:               geo,
		ws:                ws,
		jwtSecret:         jwtSecret,
		limiter:           limiter,
		ridesHistoryLimit: ridesHistoryLimit,
		offersActiveLimit: offersActiveLimit,
	}
}

// Router builds the chi router for the dispatch request surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if a.limiter != nil {
		r.Use(a.limiter.Middleware)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(a.jwtSecret, auth.Passenger))
		r.Post("/v1/rides", a.rideCreate)
		r.Get("/v1/rides/{id}", a.rideStatus)
		r.Get("/v1/rides", a.rideListMine)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(a.jwtSecret, auth.Driver))
		r.Post("/v1/drivers/availability", a.driverSetAvailability)
		r.Post("/v1/drivers/location", a.driverSetLocation)
		r.Get("/v1/drivers/offers", a.driverOffersActive)
		r.Post("/v1/drivers/offers/{offerId}/accept", a.driverOfferAccept)
		r.Post("/v1/drivers/rides/{rideId}/status", a.driverRideStatus)
		r.Get("/v1/drivers/stream", a.driverStream)
	})

	return r
}

// rideCreate implements ride.create.
func (a *API) rideCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, dispatcherr.Unauth("missing caller identity"))
		return
	}
	passengerID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}

	var payload struct {
		PickupText  string   `json:"pickupText"`
		PickupLat   *float64 `json:"pickupLat,omitempty"`
		PickupLng   *float64 `json:"pickupLng,omitempty"`
		DropoffText string   `json:"dropoffText,omitempty"`
		DropoffLat  *float64 `json:"dropoffLat,omitempty"`
		DropoffLng  *float64 `json:"dropoffLng,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, dispatcherr.Invalid("malformed request body"))
		return
	}

	pickup := placeFrom(payload.PickupText, payload.PickupLat, payload.PickupLng)
	dropoff := placeFrom(payload.DropoffText, payload.DropoffLat, payload.DropoffLng)

	ride, err := a.store.CreateRide(r.Context(), passengerID, pickup, dropoff)
	if err != nil {
		writeError(w, err)
		return
	}
	a.matcher.Start(r.Context(), ride.ID)
	writeJSON(w, http.StatusCreated, ride)
}

func placeFrom(text string, lat, lng *float64) domain.Place {
	if lat == nil || lng == nil {
		return domain.Place{Text: text}
	}
	return domain.Place{Text: text, HasPt: true, Point: domain.GeoPoint{Lat: *lat, Lng: *lng}}
}

// rideStatus implements ride.status.
func (a *API) rideStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, dispatcherr.Invalid("invalid ride id"))
		return
	}
	ride, err := a.store.GetRide(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// rideListMine implements ride.listMine.
func (a *API) rideListMine(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	passengerID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}
	rides, err := a.store.ListRidesByPassenger(r.Context(), passengerID, a.ridesHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

// driverSetAvailability implements driver.setAvailability.
func (a *API) driverSetAvailability(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	driverID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}

	var payload struct {
		Availability *domain.Availability `json:"availability,omitempty"`
		IsOnline     *bool                `json:"isOnline,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, dispatcherr.Invalid("malformed request body"))
		return
	}

	avail := domain.Offline
	switch {
	case payload.Availability != nil:
		avail = *payload.Availability
	case payload.IsOnline != nil && *payload.IsOnline:
		avail = domain.Online
	case payload.Availability == nil && payload.IsOnline == nil:
		writeError(w, dispatcherr.Invalid("availability or isOnline required"))
		return
	}

	if err := a.store.SetDriverAvailability(r.Context(), driverID, avail); err != nil {
		writeError(w, err)
		return
	}
	if avail == domain.Offline && a.geo != nil {
		if err := a.geo.Remove(r.Context(), driverID); err != nil {
			writeError(w, err)
			return
		}
	}
	driver, err := a.store.GetDriver(r.Context(), driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

// driverSetLocation implements driver.setLocation.
func (a *API) driverSetLocation(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	driverID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}

	var payload struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, dispatcherr.Invalid("malformed request body"))
		return
	}

	if err := a.store.SetDriverLocation(r.Context(), driverID, payload.Lat, payload.Lng); err != nil {
		writeError(w, err)
		return
	}
	if a.geo != nil {
		point := domain.GeoPoint{Lat: payload.Lat, Lng: payload.Lng}
		if err := a.geo.Upsert(r.Context(), driverID, point); err != nil {
			writeError(w, err)
			return
		}
	}
	driver, err := a.store.GetDriver(r.Context(), driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

// driverOffersActive implements driver.offersActive.
func (a *API) driverOffersActive(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	driverID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}
	views, err := a.offers.ActiveForDriver(r.Context(), driverID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(views) > a.offersActiveLimit {
		views = views[:a.offersActiveLimit]
	}
	writeJSON(w, http.StatusOK, views)
}

// driverOfferAccept implements driver.offerAccept.
func (a *API) driverOfferAccept(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	driverID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}
	offerID, err := uuid.Parse(chi.URLParam(r, "offerId"))
	if err != nil {
		writeError(w, dispatcherr.Invalid("invalid offer id"))
		return
	}

	result, err := a.offers.Accept(r.Context(), offerID, driverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// driverRideStatus implements driver.rideStatus.
func (a *API) driverRideStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	driverID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}
	rideID, err := uuid.Parse(chi.URLParam(r, "rideId"))
	if err != nil {
		writeError(w, dispatcherr.Invalid("invalid ride id"))
		return
	}

	var payload struct {
		NewStatus domain.RideStatus `json:"newStatus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, dispatcherr.Invalid("malformed request body"))
		return
	}

	count, err := a.store.UpdateRideStatusIfOwner(r.Context(), rideID, driverID, payload.NewStatus)
	if err != nil {
		writeError(w, err)
		return
	}
	if count == 0 {
		writeError(w, dispatcherr.Forbid("caller is not the assigned driver"))
		return
	}
	ride, err := a.store.GetRide(r.Context(), rideID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// driverStream upgrades to a websocket and registers the connection in the
// wsdispatch.Registry. The offer emission path does not push to it;
// REST remains the source of truth for offer state.
func (a *API) driverStream(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	driverID, err := claims.ID()
	if err != nil {
		writeError(w, dispatcherr.Unauth("invalid caller identity"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.ws.Add(driverID, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := dispatcherr.As(err)
	status := http.StatusInternalServerError
	switch kind {
	case dispatcherr.InvalidArgument:
		status = http.StatusBadRequest
	case dispatcherr.Unauthorized:
		status = http.StatusUnauthorized
	case dispatcherr.Forbidden:
		status = http.StatusForbidden
	case dispatcherr.NotFound:
		status = http.StatusNotFound
	case dispatcherr.Conflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}
