package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/resolver"
	"github.com/quantarax/verisync/daemon/service"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transfer"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/rangeset"
)

// HTTP contract types

type (
	BlobJSON struct {
		Hash         string `json:"hash"`
		Size         uint64 `json:"size"`
		Verified     string `json:"verified"`
		SizeVerified bool   `json:"size_verified"`
		Complete     bool   `json:"complete"`
		RefCount     int64  `json:"ref_count"`
		UpdatedAt    int64  `json:"updated_at"`
	}
	ListBlobsResponse struct {
		Blobs []*BlobJSON `json:"blobs"`
	}

	FetchRequest struct {
		PeerAddr string `json:"peer_addr"`
		// PeerID pins the remote identity when set.
		PeerID string `json:"peer_id,omitempty"`
		Hash   string `json:"hash"`
		Ranges string `json:"ranges,omitempty"`
		Pin    bool   `json:"pin,omitempty"`
	}
	FetchResponse struct {
		SessionID     string `json:"session_id"`
		State         string `json:"state"`
		Size          uint64 `json:"size"`
		Committed     string `json:"committed"`
		Missing       string `json:"missing,omitempty"`
		BytesReceived uint64 `json:"bytes_received"`
	}
	CollectionEntryJSON struct {
		Name      string `json:"name"`
		Hash      string `json:"hash"`
		Size      uint64 `json:"size"`
		State     string `json:"state"`
		Committed string `json:"committed,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	FetchCollectionResponse struct {
		Hash    string                 `json:"hash"`
		Entries []*CollectionEntryJSON `json:"entries"`
		Failed  int                    `json:"failed"`
	}

	GetTransferStatusResponse struct {
		TransferSummary
		ProgressPercent        float64 `json:"progress_percent"`
		TransferRateMbps       float64 `json:"transfer_rate_mbps"`
		EstimatedTimeRemaining int64   `json:"estimated_time_remaining"`
	}

	TransferSummary struct {
		SessionID    string `json:"session_id"`
		Hash         string `json:"hash"`
		Peer         string `json:"peer"`
		Direction    string `json:"direction"`
		State        string `json:"state"`
		Size         uint64 `json:"size"`
		Wanted       string `json:"wanted,omitempty"`
		Committed    string `json:"committed"`
		Bytes        uint64 `json:"bytes"`
		Chunks       uint64 `json:"chunks"`
		ErrorKind    string `json:"error_kind,omitempty"`
		ErrorMessage string `json:"error_message,omitempty"`
		StartTime    int64  `json:"start_time"`
		UpdateTime   int64  `json:"update_time"`
	}
	ListTransfersResponse struct {
		Transfers  []*TransferSummary `json:"transfers"`
		TotalCount int                `json:"total_count"`
		HasMore    bool               `json:"has_more"`
	}

	GetIdentityResponse struct {
		PeerID          string `json:"peer_id"`
		PublicKeyBase64 string `json:"public_key_base64"`
	}

	GCResponse struct {
		Blobs    []string `json:"blobs"`
		Sessions int      `json:"sessions"`
		History  int64    `json:"history"`
	}
)

// DaemonAPIServer wires the transfer service to HTTP handlers
type DaemonAPIServer struct {
	transfer *service.TransferService
}

func NewDaemonAPIServer(ts *service.TransferService) *DaemonAPIServer {
	return &DaemonAPIServer{transfer: ts}
}

// RegisterHTTP registers REST routes on mux
func (s *DaemonAPIServer) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/blobs", s.handleListBlobs)
	mux.HandleFunc("GET /api/v1/blobs/{hash}", s.handleGetBlob)
	mux.HandleFunc("POST /api/v1/fetch", s.handleFetch)
	mux.HandleFunc("POST /api/v1/collections/fetch", s.handleFetchCollection)
	mux.HandleFunc("GET /api/v1/transfers", s.handleListTransfers)
	mux.HandleFunc("GET /api/v1/transfer/{id}/status", s.handleTransferStatus)
	mux.HandleFunc("GET /api/v1/id", s.handleGetIdentity)
	mux.HandleFunc("POST /api/v1/gc", s.handleGC)
	mux.Handle("GET /api/v1/events", SSEHandler(s.transfer.Events()))
}

func (s *DaemonAPIServer) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.transfer.Store().List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	partial := r.URL.Query().Get("partial") == "true"
	resp := &ListBlobsResponse{Blobs: make([]*BlobJSON, 0, len(recs))}
	for i := range recs {
		if partial && recs[i].Complete {
			continue
		}
		resp.Blobs = append(resp.Blobs, toBlobJSON(&recs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	h, err := hashtree.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	rec, err := s.transfer.Store().Record(h)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toBlobJSON(rec))
}

// decodeFetch parses a fetch body and the peer it names.
func (s *DaemonAPIServer) decodeFetch(w http.ResponseWriter, r *http.Request) (*FetchRequest, hashtree.Hash, service.Peer, bool) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return nil, hashtree.Hash{}, service.Peer{}, false
	}
	h, err := hashtree.ParseHash(req.Hash)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return nil, h, service.Peer{}, false
	}
	if req.PeerAddr == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "peer_addr is required")
		return nil, h, service.Peer{}, false
	}
	peer := service.Peer{Addr: req.PeerAddr}
	if req.PeerID != "" {
		id, err := identity.ParsePeerID(req.PeerID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return nil, h, peer, false
		}
		peer.ID = &id
	}
	return &req, h, peer, true
}

// handleFetch runs the session for the lifetime of the request.
// Disconnecting aborts it; committed chunks stay in the store.
func (s *DaemonAPIServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, h, peer, ok := s.decodeFetch(w, r)
	if !ok {
		return
	}
	ranges, err := rangeset.Parse(req.Ranges)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	conn, err := s.transfer.Dial(r.Context(), peer)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "UNAVAILABLE", err.Error())
		return
	}
	defer conn.Close()

	res, err := s.transfer.Fetch(r.Context(), conn, conn.RemotePeerID().Short(), h, ranges)
	if res == nil {
		writeTransferError(w, err)
		return
	}
	resp := &FetchResponse{
		SessionID:     res.SessionID,
		State:         res.State.String(),
		Size:          res.Size,
		Committed:     res.Committed.String(),
		Missing:       res.Missing.String(),
		BytesReceived: res.BytesReceived,
	}
	if err != nil {
		writeJSON(w, statusFor(err), struct {
			JSONError
			*FetchResponse
		}{JSONError{Code: codeFor(err), Message: err.Error()}, resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleFetchCollection(w http.ResponseWriter, r *http.Request) {
	req, h, peer, ok := s.decodeFetch(w, r)
	if !ok {
		return
	}
	conn, err := s.transfer.Dial(r.Context(), peer)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "UNAVAILABLE", err.Error())
		return
	}
	defer conn.Close()

	c, err := s.transfer.FetchCollection(r.Context(), conn, conn.RemotePeerID().Short(), h, req.Pin)
	if c == nil {
		writeTransferError(w, err)
		return
	}
	resp := &FetchCollectionResponse{Hash: c.Hash.String(), Entries: make([]*CollectionEntryJSON, 0, len(c.Entries))}
	for _, e := range c.Entries {
		ej := &CollectionEntryJSON{Name: e.Name, Hash: e.Hash.String(), Size: e.Size}
		if e.Result != nil {
			ej.State = e.Result.State.String()
			ej.Committed = e.Result.Committed.String()
			if e.Result.Err != nil {
				ej.Error = e.Result.Err.Error()
			}
		}
		resp.Entries = append(resp.Entries, ej)
	}
	var cerr *resolver.CollectionError
	if errors.As(err, &cerr) {
		resp.Failed = len(cerr.Failed)
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	if err != nil {
		writeTransferError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.transfer.Status(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &GetTransferStatusResponse{
		TransferSummary:        *toTransferSummary(st.Summary),
		ProgressPercent:        st.ProgressPercent,
		TransferRateMbps:       st.TransferRate / (1024 * 1024),
		EstimatedTimeRemaining: st.EstimatedTimeRemaining,
	})
}

func (s *DaemonAPIServer) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter *manager.TransferState
	if v := q.Get("state"); v != "" {
		st, err := manager.ParseState(strings.ToUpper(v))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		filter = &st
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, total, err := s.transfer.ListTransfers(filter, limit, offset)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	resp := &ListTransfersResponse{Transfers: make([]*TransferSummary, 0, len(list)), TotalCount: total}
	for _, sum := range list {
		resp.Transfers = append(resp.Transfers, toTransferSummary(sum))
	}
	resp.HasMore = offset+len(resp.Transfers) < total
	writeJSON(w, http.StatusOK, resp)
}

func (s *DaemonAPIServer) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ident := s.transfer.Identity()
	if ident == nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no identity configured")
		return
	}
	writeJSON(w, http.StatusOK, &GetIdentityResponse{
		PeerID:          ident.ID.String(),
		PublicKeyBase64: base64.StdEncoding.EncodeToString(ident.Public),
	})
}

func (s *DaemonAPIServer) handleGC(w http.ResponseWriter, r *http.Request) {
	rep, err := s.transfer.CollectGarbage(r.Context())
	resp := &GCResponse{Blobs: make([]string, len(rep.Blobs)), Sessions: rep.Sessions, History: rep.History}
	for i, h := range rep.Blobs {
		resp.Blobs[i] = h.String()
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SSEHandler streams events as server-sent events. The optional hash
// query parameter restricts the stream to one blob.
func SSEHandler(events *service.EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := events.Subscribe(r.URL.Query().Get("hash"))
		defer events.Unsubscribe(sub.ID)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Channel:
				if !ok {
					return
				}
				line, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(line)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func toBlobJSON(rec *store.BlobRecord) *BlobJSON {
	return &BlobJSON{
		Hash:         rec.Hash.String(),
		Size:         rec.Size,
		Verified:     rec.Verified.String(),
		SizeVerified: rec.SizeVerified,
		Complete:     rec.Complete,
		RefCount:     rec.RefCount,
		UpdatedAt:    rec.UpdatedAt.UnixMilli(),
	}
}

func toTransferSummary(sum manager.Summary) *TransferSummary {
	return &TransferSummary{
		SessionID:    sum.ID,
		Hash:         sum.Hash.String(),
		Peer:         sum.Peer,
		Direction:    sum.Direction.String(),
		State:        sum.State.String(),
		Size:         sum.Size,
		Wanted:       sum.Wanted.String(),
		Committed:    sum.Committed.String(),
		Bytes:        sum.Bytes,
		Chunks:       sum.Chunks,
		ErrorKind:    sum.ErrorKind,
		ErrorMessage: sum.ErrorMessage,
		StartTime:    sum.StartTime.UnixMilli(),
		UpdateTime:   sum.UpdateTime.UnixMilli(),
	}
}

// JSON helpers

type JSONError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}

func writeTransferError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("no result")
	}
	writeJSONError(w, statusFor(err), codeFor(err), err.Error())
}

func statusFor(err error) int {
	var terr *transfer.Error
	if !errors.As(err, &terr) {
		return http.StatusInternalServerError
	}
	switch terr.Kind {
	case transfer.KindNotFound:
		return http.StatusNotFound
	case transfer.KindSizeMismatch:
		return http.StatusConflict
	case transfer.KindVerificationFailure, transfer.KindProtocolViolation:
		return http.StatusBadGateway
	case transfer.KindTransportClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	var terr *transfer.Error
	if !errors.As(err, &terr) {
		return "INTERNAL"
	}
	switch terr.Kind {
	case transfer.KindNotFound:
		return "NOT_FOUND"
	case transfer.KindSizeMismatch:
		return "FAILED_PRECONDITION"
	case transfer.KindVerificationFailure, transfer.KindProtocolViolation:
		return "BAD_PEER"
	case transfer.KindTransportClosed:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
