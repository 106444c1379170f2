package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"time"

	"floodgate/cfg"
	"floodgate/metrics"
	"floodgate/pkg/domain"
	"floodgate/svc/anomaly"
	"floodgate/svc/breaker"
	"floodgate/svc/collect"
	"floodgate/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

const maxRequestSize = 16 * 1024

// breakerAdmin is the monitoring surface of either breaker variant.
type breakerAdmin interface {
	Stats() breaker.Stats
	BannedIdentities() []breaker.BannedIdentity
	Unban(identity string) bool
	IsOpen(identity string) bool
}

type Hdl struct {
	brk breakerAdmin
	col *collect.Collector
	det *anomaly.Detector
	cfg *cfg.Cfg
	sf  singleflight.Group
}

func NewHdl(brk breakerAdmin, col *collect.Collector, det *anomaly.Detector, c *cfg.Cfg) *Hdl {
	return &Hdl{brk: brk, col: col, det: det, cfg: c}
}

type EventReq struct {
	Type      string `json:"type"`
	SubjectID string `json:"subject_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type EventResp struct {
	Accepted bool `json:"accepted"`
}

// ReportEvent ingests one abuse-relevant platform event for the calling
// identity. The request has already passed admission; this only feeds
// the collector.
func (h *Hdl) ReportEvent(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	var req EventReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	evType := domain.EventType(norm.NFC.String(req.Type))
	if !domain.ValidEventType(evType) {
		log.Warn().Str("type", req.Type).Str("request_id", requestID).Msg("unknown event type")
		writeErr(w, domain.ErrInvalidEventType, requestID)
		return
	}
	identity := IdentityFromContext(r.Context())
	if identity == "" {
		writeErr(w, domain.ErrIdentityRequired, requestID)
		return
	}
	h.col.AddEvent(identity, domain.AnomalyEvent{
		Timestamp:     time.Now(),
		Type:          evType,
		IdentityHash:  identity,
		SignatureHash: util.SignatureHash(r.UserAgent()),
		SubjectID:     norm.NFC.String(req.SubjectID),
		UserID:        norm.NFC.String(req.UserID),
	})
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(EventResp{Accepted: true})
}

func (h *Hdl) BreakerStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.brk.Stats())
}

func (h *Hdl) BannedIdentities(w http.ResponseWriter, r *http.Request) {
	banned := h.brk.BannedIdentities()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":  len(banned),
		"banned": banned,
	})
}

type UnbanReq struct {
	Identity string `json:"identity"`
}
type UnbanResp struct {
	Removed bool `json:"removed"`
}

func (h *Hdl) Unban(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	var req UnbanReq
	if err := json.Unmarshal(body, &req); err != nil || req.Identity == "" {
		writeErr(w, domain.ErrIdentityRequired, requestID)
		return
	}
	identity := norm.NFC.String(req.Identity)
	removed := h.brk.Unban(identity)
	util.Info().
		Str("identity", util.RedactIdentity(identity)).
		Bool("removed", removed).
		Str("request_id", requestID).
		Msg("administrative unban")
	json.NewEncoder(w).Encode(UnbanResp{Removed: removed})
}

// AnalyzeKey scores one collector key on demand. Concurrent requests for
// the same key share a single evaluation.
func (h *Hdl) AnalyzeKey(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	key := norm.NFC.String(chi.URLParam(r, "key"))
	if key == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	v, _, _ := h.sf.Do(key, func() (interface{}, error) {
		return h.col.AnalyzeKey(key, h.det), nil
	})
	score := v.(domain.AnomalyScore)
	metrics.AnomalyScores.Observe(score.Overall)
	json.NewEncoder(w).Encode(score)
}

func (h *Hdl) CollectorStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.col.Stats())
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
