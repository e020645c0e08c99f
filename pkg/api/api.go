// Package api exposes discussions over HTTP/JSON for the view layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"lostfound/pkg/discussion"
	"lostfound/pkg/drafts"
	"lostfound/pkg/models"
	"lostfound/pkg/optimistic"
	"lostfound/pkg/requestid"
)

// itemPath matches the item ids a discussion is opened for.
const itemPath = "/items/{item:[A-Za-z0-9._-]+}"

type API struct {
	ServiceName string

	r     *mux.Router
	kw    messageWriter
	items *Registry
}

// New returns the API serving the discussions of items. kafkaWriter may be nil,
// then requests are not logged to Kafka.
func New(name string, items *Registry, kafkaWriter messageWriter) *API {
	api := API{
		ServiceName: name,
		r:           mux.NewRouter(),
		kw:          kafkaWriter,
		items:       items,
	}
	api.endpoints()

	return &api
}

func (api *API) Router() *mux.Router {
	return api.r
}

func (api *API) endpoints() {
	api.r.Use(api.requestIDMiddleware)
	api.r.Use(api.headerMiddleware)
	if api.kw != nil {
		api.r.Use(api.loggingMiddleware(api.kw))
	}

	api.r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api.r.HandleFunc(itemPath+"/comments", api.commentsHandler).Methods(http.MethodGet)
	api.r.HandleFunc(itemPath+"/comments", api.createCommentHandler).Methods(http.MethodPost)
	api.r.HandleFunc(itemPath+"/comments/more", api.loadMoreHandler).Methods(http.MethodPost)
	api.r.HandleFunc(itemPath+"/comments/refresh", api.refreshHandler).Methods(http.MethodPost)
	api.r.HandleFunc(itemPath+"/comments/{id}", api.editCommentHandler).Methods(http.MethodPut)
	api.r.HandleFunc(itemPath+"/comments/{id}", api.deleteCommentHandler).Methods(http.MethodDelete)
	api.r.HandleFunc(itemPath+"/comments/{id}/reaction", api.reactionHandler).Methods(http.MethodPost)
	api.r.HandleFunc(itemPath+"/drafts", api.draftHandler).Methods(http.MethodGet)
}

// commentsHandler returns the discussion of an item, loading page 1 on first access.
func (api *API) commentsHandler(w http.ResponseWriter, r *http.Request) {
	ctrl := api.controller(r)

	if err := ctrl.Load(r.Context()); err != nil {
		api.fail(w, r, "commentsHandler", err)
		return
	}

	api.respond(w, r, http.StatusOK, ctrl.View())
}

func (api *API) loadMoreHandler(w http.ResponseWriter, r *http.Request) {
	ctrl := api.controller(r)

	if err := ctrl.LoadMore(r.Context()); err != nil {
		api.fail(w, r, "loadMoreHandler", err)
		return
	}

	api.respond(w, r, http.StatusOK, ctrl.View())
}

func (api *API) refreshHandler(w http.ResponseWriter, r *http.Request) {
	ctrl := api.controller(r)

	if err := ctrl.Refresh(r.Context()); err != nil {
		api.fail(w, r, "refreshHandler", err)
		return
	}

	api.respond(w, r, http.StatusOK, ctrl.View())
}

func (api *API) createCommentHandler(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Errorf("[createCommentHandler][%s] failed to decode request body: %v", api.shortID(r), err)
		return
	}
	defer r.Body.Close()

	ctrl := api.controller(r)

	var op *optimistic.Op
	if req.ParentID.IsZero() {
		op, err = ctrl.SubmitComment(r.Context(), req.Body)
	} else {
		op, err = ctrl.SubmitReply(r.Context(), req.ParentID, req.Body)
	}
	if err != nil {
		api.fail(w, r, "createCommentHandler", err)
		return
	}

	api.respondOp(w, r, ctrl, op)
}

func (api *API) editCommentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.commentID(w, r, "editCommentHandler")
	if !ok {
		return
	}

	var req commentRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Errorf("[editCommentHandler][%s] failed to decode request body: %v", api.shortID(r), err)
		return
	}
	defer r.Body.Close()

	ctrl := api.controller(r)
	op, err := ctrl.EditComment(r.Context(), id, req.Body)
	if err != nil {
		api.fail(w, r, "editCommentHandler", err)
		return
	}

	api.respondOp(w, r, ctrl, op)
}

func (api *API) deleteCommentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.commentID(w, r, "deleteCommentHandler")
	if !ok {
		return
	}

	ctrl := api.controller(r)
	op, err := ctrl.DeleteComment(r.Context(), id)
	if err != nil {
		api.fail(w, r, "deleteCommentHandler", err)
		return
	}

	api.respondOp(w, r, ctrl, op)
}

func (api *API) reactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.commentID(w, r, "reactionHandler")
	if !ok {
		return
	}

	ctrl := api.controller(r)
	op, err := ctrl.ToggleReaction(r.Context(), id)
	if err != nil {
		api.fail(w, r, "reactionHandler", err)
		return
	}

	api.respondOp(w, r, ctrl, op)
}

// draftHandler returns the saved draft of the composer named by the parent_id
// query parameter, the top-level composer when it is missing.
func (api *API) draftHandler(w http.ResponseWriter, r *http.Request) {
	parentID, err := models.ParseID(r.URL.Query().Get("parent_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Debugf("[draftHandler][%s] %v", api.shortID(r), err)
		return
	}

	d, err := api.controller(r).Draft(r.Context(), parentID)
	if err != nil {
		api.fail(w, r, "draftHandler", err)
		return
	}

	api.respond(w, r, http.StatusOK, d)
}

func (api *API) controller(r *http.Request) *discussion.Controller {
	return api.items.Get(mux.Vars(r)["item"])
}

func (api *API) commentID(w http.ResponseWriter, r *http.Request, handler string) (models.ID, bool) {
	id, err := models.ParseID(mux.Vars(r)["id"])
	if err != nil || id.IsZero() {
		http.Error(w, "invalid comment id", http.StatusBadRequest)
		log.Debugf("[%s][%s] invalid comment id %q", handler, api.shortID(r), mux.Vars(r)["id"])
		return models.ID{}, false
	}

	return id, true
}

// respondOp answers 202 with the op as applied, or waits for the op to settle
// when the request asks for it with ?wait=true.
func (api *API) respondOp(w http.ResponseWriter, r *http.Request, ctrl *discussion.Controller, op *optimistic.Op) {
	code := http.StatusAccepted

	if r.URL.Query().Get("wait") == "true" {
		code = http.StatusOK
		if err := op.Wait(r.Context()); err != nil {
			code = http.StatusBadGateway
			log.Infof("[%s] op %s settled as %s: %v", api.ServiceName, requestid.Shorten(op.ID.String()), op.State(), err)
		}
	}

	api.respond(w, r, code, mutationResponse{Op: op, Discussion: ctrl.View()})
}

func (api *API) respond(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("[%s][%s] error encoding response: %v", api.ServiceName, api.shortID(r), err)
	}
}

func (api *API) fail(w http.ResponseWriter, r *http.Request, handler string, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Errorf("[%s][%s] %v", handler, api.shortID(r), err)
	} else {
		log.Debugf("[%s][%s] %v", handler, api.shortID(r), err)
	}

	http.Error(w, err.Error(), code)
}

func (api *API) shortID(r *http.Request) string {
	return requestid.Shorten(GetRequestID(r.Context()))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, discussion.ErrEmptyBody),
		errors.Is(err, discussion.ErrBodyTooLong),
		errors.Is(err, models.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, discussion.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, discussion.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, discussion.ErrNotFound),
		errors.Is(err, drafts.ErrDraftNotFound):
		return http.StatusNotFound
	case errors.Is(err, discussion.ErrPending),
		errors.Is(err, discussion.ErrBusy),
		errors.Is(err, discussion.ErrLoading),
		errors.Is(err, discussion.ErrNoMore):
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}
