package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/orchestrator/server"
	"github.com/loadmesh/loadmesh/pkg/api"
)

// Gateway exposes the orchestrator over HTTP: the submission API for the
// dashboard, the executor protocol for worker nodes and the real-time query
// API. It only translates between HTTP and the servers; all behavior lives
// below it.
type Gateway struct {
	submit *server.SubmitServer
	report *server.ReportServer
	query  *server.QueryServer
}

func NewGateway(submit *server.SubmitServer, report *server.ReportServer, query *server.QueryServer) *Gateway {
	return &Gateway{submit: submit, report: report, query: query}
}

func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tests", g.handleSubmit)
		r.Post("/tests/{jobId}/cancel", g.handleCancel)
		r.Get("/tests", g.handleListActive)
		r.Get("/realtime/system", g.handleSystemSnapshot)
		r.Get("/realtime/nodes", g.handleNodeStatus)

		r.Post("/nodes/register", g.handleRegisterNode)
		r.Post("/nodes/{nodeId}/heartbeat", g.handleHeartbeat)
		r.Post("/dispatch/lease", g.handleLease)
		r.Post("/dispatch/{jobId}/ack", g.handleAck)
		r.Post("/dispatch/{jobId}/nack", g.handleNack)
		r.Post("/jobs/{jobId}/progress", g.handleProgress)
		r.Post("/jobs/{jobId}/done", g.handleDone)
	})
	return r
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	request := &api.JobSubmitRequest{}
	// FollowRedirects defaults to true when the field is absent.
	request.Spec.FollowRedirects = true
	if !decode(w, r, request) {
		return
	}
	response, err := g.submit.SubmitJob(request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, response)
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := g.submit.CancelJob(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, job)
}

func (g *Gateway) handleListActive(w http.ResponseWriter, r *http.Request) {
	jobs, err := g.query.ListActiveJobs(r.URL.Query().Get("tenantId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{
		"activeTests":      jobs,
		"totalActiveTests": len(jobs),
	})
}

func (g *Gateway) handleSystemSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.query.SystemSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, snapshot)
}

func (g *Gateway) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.query.NodeStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"nodeStatus": nodes})
}

func (g *Gateway) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	request := &api.NodeRegisterRequest{}
	if !decode(w, r, request) {
		return
	}
	if err := g.report.RegisterNode(request); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	request := &api.NodeHeartbeatRequest{}
	if !decode(w, r, request) {
		return
	}
	if err := g.report.Heartbeat(chi.URLParam(r, "nodeId"), request); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleLease(w http.ResponseWriter, r *http.Request) {
	request := &api.DispatchLeaseRequest{}
	if !decode(w, r, request) {
		return
	}
	items, err := g.report.LeaseDispatches(request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"dispatches": items})
}

func (g *Gateway) handleAck(w http.ResponseWriter, r *http.Request) {
	if err := g.report.AckDispatch(chi.URLParam(r, "jobId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleNack(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Reason string `json:"reason"`
	}{}
	if !decode(w, r, &body) {
		return
	}
	if err := g.report.NackDispatch(chi.URLParam(r, "jobId"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleProgress(w http.ResponseWriter, r *http.Request) {
	sample := &api.MetricSample{}
	if !decode(w, r, sample) {
		return
	}
	sample.JobId = chi.URLParam(r, "jobId")
	response, err := g.report.Progress(sample)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, response)
}

func (g *Gateway) handleDone(w http.ResponseWriter, r *http.Request) {
	outcome := &api.JobOutcome{}
	if !decode(w, r, outcome) {
		return
	}
	if err := g.report.Done(chi.URLParam(r, "jobId"), outcome); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

// writeError maps the orchestrator error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		invalidSpec   *mesherrors.ErrInvalidJobSpec
		quotaExceeded *mesherrors.ErrQuotaExceeded
		noCapacity    *mesherrors.ErrNoCapacity
		unknownJob    *mesherrors.ErrUnknownJob
		unknownNode   *mesherrors.ErrUnknownNode
		invalidChange *mesherrors.ErrInvalidTransition
	)
	switch {
	case errors.As(err, &invalidSpec):
		writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &quotaExceeded):
		writeJson(w, http.StatusForbidden, map[string]string{
			"error": err.Error(),
			"quota": string(quotaExceeded.Kind),
		})
	case errors.As(err, &noCapacity):
		writeJson(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.As(err, &unknownJob), errors.As(err, &unknownNode):
		writeJson(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &invalidChange):
		writeJson(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.WithError(err).Error("internal error")
		writeJson(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
